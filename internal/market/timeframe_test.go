package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe(" 1H ")
	require.NoError(t, err)
	assert.Equal(t, "1h", tf.Key)
	assert.Equal(t, time.Hour, tf.Duration)

	_, err = ParseTimeframe("1M")
	assert.Error(t, err, "月线时长不固定，应当拒绝")
	_, err = ParseTimeframe("")
	assert.Error(t, err)
}

func TestTimeframeAlignRange(t *testing.T) {
	tf, err := ParseTimeframe("1h")
	require.NoError(t, err)

	hour := int64(3600_000)
	start, end := tf.AlignRange(3*hour+1234, 7*hour+5678)
	assert.Equal(t, 3*hour, start)
	assert.Equal(t, 7*hour, end)

	// 传反顺序会被交换
	start, end = tf.AlignRange(7*hour, 3*hour)
	assert.Equal(t, 3*hour, start)
	assert.Equal(t, 7*hour, end)
}

func TestTimeframeExpectedCandles(t *testing.T) {
	tf, err := ParseTimeframe("1h")
	require.NoError(t, err)

	hour := int64(3600_000)
	assert.Equal(t, int64(5), tf.ExpectedCandles(3*hour, 7*hour))
	assert.Equal(t, int64(1), tf.ExpectedCandles(3*hour, 3*hour))
	assert.Equal(t, int64(0), tf.ExpectedCandles(7*hour, 3*hour))
}
