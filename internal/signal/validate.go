package signal

import "fmt"

// 中文说明：
// 基础信号校验：
// - direction 合法
// - 非 hold 必须给出正的止损/止盈距离
// - confidence 范围 0-100

var validDirections = map[Direction]bool{
	DirectionLong: true, DirectionShort: true, DirectionHold: true,
}

// Validate 校验单条信号，失败时返回原因。
func Validate(s Signal) error {
	if !validDirections[s.Direction] {
		return fmt.Errorf("非法 direction: %s", s.Direction)
	}
	if s.Confidence < 0 || s.Confidence > 100 {
		return fmt.Errorf("confidence 范围0-100, got %d", s.Confidence)
	}
	if s.Direction == DirectionHold {
		return nil
	}
	if s.StopLossDistance <= 0 {
		return fmt.Errorf("开仓信号需提供 stop_loss_distance>0")
	}
	if s.TakeProfitDistance <= 0 {
		return fmt.Errorf("开仓信号需提供 take_profit_distance>0")
	}
	return nil
}
