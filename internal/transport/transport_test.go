package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResultCodeString(t *testing.T) {
	require.Equal(t, "GW_RES_OK", ResultOK.String())
	require.Equal(t, "GW_RES_1", ResultCode(1).String())
}

func TestParseRequestTopic(t *testing.T) {
	sink, gw, ok := parseRequestTopic("gw-request/sink-1/gw-1")
	require.True(t, ok)
	require.Equal(t, "sink-1", sink)
	require.Equal(t, "gw-1", gw)

	_, _, ok = parseRequestTopic("gw-request/sink-1")
	require.False(t, ok)

	_, _, ok = parseRequestTopic("not-a-request-topic")
	require.False(t, ok)
}
