package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/portway/internal/config"
	"github.com/jroosing/portway/internal/metrics"
)

// Test ports live in a narrow high range to avoid clashing with other
// suites on the same host.
const testPortBase = 43710

func testTable(t *testing.T, ports ...int) *MappingTable {
	t.Helper()
	specs := make([]config.SpecificPort, 0, len(ports))
	for _, p := range ports {
		specs = append(specs, config.SpecificPort{Port: p, Enabled: true})
	}
	reg := NewPortRegistry(nil, specs, nil)
	return NewMappingTable(reg, testLogger(), NewFabricStats(), metrics.New("portway_test"), nil)
}

func TestMappingTable_AllocateOpensListeners(t *testing.T) {
	table := testTable(t, testPortBase)
	defer table.Shutdown()

	b, err := table.Allocate(8080, testPortBase, config.ProtocolBoth, "m-1")
	require.NoError(t, err)
	assert.Equal(t, testPortBase, b.PublicPort)
	assert.Equal(t, 8080, b.LocalPort)

	// TCP listener is up.
	c, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", testPortBase), time.Second)
	require.NoError(t, err)
	_ = c.Close()

	// UDP socket is up (bind to it must fail).
	_, err = net.ListenUDP("udp", &net.UDPAddr{Port: testPortBase})
	assert.Error(t, err)
}

func TestMappingTable_AllocateIdempotentPerLocalPort(t *testing.T) {
	table := testTable(t, testPortBase+1, testPortBase+2)
	defer table.Shutdown()

	b1, err := table.Allocate(9001, testPortBase+1, config.ProtocolTCP, "m-1")
	require.NoError(t, err)

	b2, err := table.Allocate(9001, testPortBase+1, config.ProtocolTCP, "m-1")
	require.NoError(t, err)
	assert.Same(t, b1, b2, "repeat allocation returns the live binding")
}

func TestMappingTable_PreferredTakenFallsBack(t *testing.T) {
	table := testTable(t, testPortBase+1, testPortBase+2)
	defer table.Shutdown()

	b1, err := table.Allocate(9001, testPortBase+2, config.ProtocolTCP, "m-1")
	require.NoError(t, err)
	require.Equal(t, testPortBase+2, b1.PublicPort)

	b2, err := table.Allocate(9002, testPortBase+2, config.ProtocolTCP, "m-2")
	require.NoError(t, err)
	assert.Equal(t, testPortBase+1, b2.PublicPort)
}

func TestMappingTable_BindFailureRollsBack(t *testing.T) {
	port := testPortBase + 3

	// Occupy the only port's TCP side so the table's bind must fail.
	occupier, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	require.NoError(t, err)
	defer occupier.Close()

	table := testTable(t, port)
	defer table.Shutdown()

	_, err = table.Allocate(9001, port, config.ProtocolBoth, "m-1")
	require.ErrorIs(t, err, ErrBindFailed)

	// Atomic rollback: the port went back to the registry and no UDP
	// socket lingers.
	assert.False(t, table.registry.Bound(port))
	uc, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	require.NoError(t, err, "rolled-back UDP socket must be closed")
	_ = uc.Close()
	assert.Nil(t, table.Get(port))
}

func TestMappingTable_ReleaseClosesListeners(t *testing.T) {
	port := testPortBase + 4
	table := testTable(t, port)

	_, err := table.Allocate(9001, port, config.ProtocolTCP, "m-1")
	require.NoError(t, err)

	table.Release(9001)
	table.Release(9001) // idempotent

	// No accept succeeds on a released port until reallocation.
	_, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
	assert.Error(t, err)
	assert.Nil(t, table.Get(port))

	// The port is reallocatable and serves again.
	b, err := table.Allocate(9001, port, config.ProtocolTCP, "m-1")
	require.NoError(t, err)
	assert.Equal(t, port, b.PublicPort)
	c, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	require.NoError(t, err)
	_ = c.Close()

	table.Shutdown()
}

func TestMappingTable_AllocationExhaustion(t *testing.T) {
	table := testTable(t, testPortBase+5)
	defer table.Shutdown()

	_, err := table.Allocate(9001, 0, config.ProtocolTCP, "m-1")
	require.NoError(t, err)

	_, err = table.Allocate(9002, 0, config.ProtocolTCP, "m-2")
	assert.ErrorIs(t, err, ErrNoPortAvailable)
}

func TestMappingTable_Bindings(t *testing.T) {
	table := testTable(t, testPortBase+6, testPortBase+7)
	defer table.Shutdown()

	_, err := table.Allocate(9001, testPortBase+6, config.ProtocolTCP, "m-1")
	require.NoError(t, err)
	_, err = table.Allocate(9002, testPortBase+7, config.ProtocolUDP, "m-2")
	require.NoError(t, err)

	bindings := table.Bindings()
	assert.Len(t, bindings, 2)
	assert.NotNil(t, table.GetByLocal(9001))
	assert.NotNil(t, table.GetByLocal(9002))
	assert.Nil(t, table.GetByLocal(9003))
}

func TestMappingTable_PairTimeoutClosesWaitingClients(t *testing.T) {
	port := testPortBase + 10
	table := testTable(t, port)
	defer table.Shutdown()
	table.SetPairTimeout(100 * time.Millisecond)

	_, err := table.Allocate(9001, port, config.ProtocolTCP, "m-1")
	require.NoError(t, err)

	// No agent sessions exist, so the client waits and then gets closed.
	client, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	require.NoError(t, err)
	defer client.Close()

	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	one := make([]byte, 1)
	_, err = client.Read(one)
	assert.Error(t, err)
	require.Eventually(t, func() bool {
		return table.stats.Snapshot().PendingExpired == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBinding_PairedEcho(t *testing.T) {
	port := testPortBase + 8
	table := testTable(t, port)
	defer table.Shutdown()

	b, err := table.Allocate(9001, port, config.ProtocolTCP, "m-1")
	require.NoError(t, err)

	// Hand-build a session over a pipe: the far side echoes.
	gwSide, agentSide := net.Pipe()
	defer agentSide.Close()
	s := newSession(gwSide, port, testLogger(), table.stats)
	go func() {
		buf := make([]byte, 1024)
		for {
			n, readErr := agentSide.Read(buf)
			if n > 0 {
				if _, writeErr := agentSide.Write(buf[:n]); writeErr != nil {
					return
				}
			}
			if readErr != nil {
				return
			}
		}
	}()
	b.Pool().EnqueueIdle(s)

	client, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	require.NoError(t, err)
	defer client.Close()

	_ = client.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	got := make([]byte, 4)
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))
}

func TestListenTCP_ReusesAddressAfterClose(t *testing.T) {
	port := testPortBase + 9
	addr := fmt.Sprintf(":%d", port)

	ln, err := listenTCP(context.Background(), addr)
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	ln2, err := listenTCP(context.Background(), addr)
	require.NoError(t, err)
	_ = ln2.Close()
}
