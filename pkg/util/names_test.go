package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLeaseName(t *testing.T) {
	require.Equal(t, "nodedrainer-ip-10-0-0-1-ec2-internal", LeaseName("ip-10-0-0-1.ec2.internal"))
	require.Equal(t, "nodedrainer-worker-a", LeaseName("Worker_A"))
}

func TestLeaseNameLongNodeIsStable(t *testing.T) {
	node := "ip-10-0-0-1." + strings.Repeat("very-long-domain.", 5) + "internal"

	name := LeaseName(node)

	require.LessOrEqual(t, len(name), maxNameLength)
	require.True(t, strings.HasPrefix(name, "nodedrainer-ip-10-0-0-1-"))
	require.Equal(t, name, LeaseName(node))
	require.NotEqual(t, name, LeaseName(node+"x"))
}
