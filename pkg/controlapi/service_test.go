package controlapi

import (
	"context"
	"net"
	"testing"

	"github.com/novalsm/ccstoc/pkg/rtable"
	"github.com/novalsm/ccstoc/pkg/stoc"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func newBufconnServer(t *testing.T, svc *Service) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	Register(srv, svc)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(mustJSONCodecName())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { cc.Close() })
	return cc
}

func TestControlAPIReadStatsLocal(t *testing.T) {
	store, err := stoc.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg, err := stoc.NewRegistry(store, rtable.ServerID(1))
	require.NoError(t, err)
	id := reg.Allocate("db0", 1, 3)
	_, err = reg.Write(id, []byte("abc"))
	require.NoError(t, err)

	svc := NewService(reg, nil)
	cc := newBufconnServer(t, svc)
	client := NewClient(cc)

	resp, err := client.ReadStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, resp.RTableCount)
}

func TestControlAPIListRTables(t *testing.T) {
	store, err := stoc.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg, err := stoc.NewRegistry(store, rtable.ServerID(1))
	require.NoError(t, err)
	id := reg.Allocate("db0", 1, 6)
	_, err = reg.Write(id, []byte("abcdef"))
	require.NoError(t, err)

	svc := NewService(reg, nil)
	cc := newBufconnServer(t, svc)
	client := NewClient(cc)

	resp, err := client.ListRTables(context.Background())
	require.NoError(t, err)
	require.Len(t, resp.RTables, 1)
	require.Equal(t, uint64(6), resp.RTables[0].Size)
}
