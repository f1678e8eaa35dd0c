package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fabric-rpc/client"
	"fabric-rpc/contract"
	"fabric-rpc/server"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fabric.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "tcp://0.0.0.0:7000", cfg.Server.Bind)
	assert.Zero(t, cfg.Client.CallTimeout)
	assert.Equal(t, 5*time.Second, cfg.Client.DialTimeout)
	assert.Equal(t, 30*time.Second, cfg.Client.Heartbeat)
	assert.Equal(t, 1, cfg.Client.PoolSize)
	assert.Equal(t, "json", cfg.Client.Codec)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Etcd.Endpoints)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  bind: tcp://127.0.0.1:9100
  rate_limit: 50
  burst: 5
client:
  call_timeout: 2s
  pool_size: 4
  codec: binary
  balancer: consistent_hash
log:
  level: debug
etcd:
  endpoints: [127.0.0.1:2379]
  ttl: 15
`)
	t.Setenv("FABRIC_RPC_CLIENT_POOL_SIZE", "8")
	t.Setenv("FABRIC_RPC_LOG_DEVELOPMENT", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tcp://127.0.0.1:9100", cfg.Server.Bind)
	assert.Equal(t, 50.0, cfg.Server.RateLimit)
	assert.Equal(t, 5, cfg.Server.Burst)
	assert.Equal(t, 2*time.Second, cfg.Client.CallTimeout)
	assert.Equal(t, 8, cfg.Client.PoolSize, "environment wins over the file")
	assert.Equal(t, "binary", cfg.Client.Codec)
	assert.Equal(t, "consistent_hash", cfg.Client.Balancer)
	assert.True(t, cfg.Log.Development)
	assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, int64(15), cfg.Etcd.TTL)
}

func TestLoadRejectsBadValues(t *testing.T) {
	for name, body := range map[string]string{
		"codec":     "client:\n  codec: xml\n",
		"balancer":  "client:\n  balancer: random\n",
		"pool size": "client:\n  pool_size: 0\n",
		"level":     "log:\n  level: loud\n",
		"rate":      "server:\n  rate_limit: -1\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLogger(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log:\n  level: warn\n"))
	require.NoError(t, err)

	logger, err := cfg.Logger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestAnnouncerDisabledWithoutEndpoints(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	a, err := cfg.Announcer(zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestDisabledAnnouncerWiresIntoServer(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	logger := zap.NewNop()

	a, err := cfg.Announcer(logger)
	require.NoError(t, err)
	svr := server.NewInvoker(cfg.ServerOptions(logger, a)...)
	require.NoError(t, svr.RegisterService("adder", server.Singleton(adder{}), contract.MustNew((*Adder)(nil))))

	require.NoError(t, svr.Start("tcp://127.0.0.1:0"))
	assert.Equal(t, server.StateListening, svr.State())
	require.NoError(t, svr.Stop())
	assert.Equal(t, server.StateStopped, svr.State())
}

type Adder interface {
	Add(a, b int) int
}

type adder struct{}

func (adder) Add(a, b int) int { return a + b }

func TestOptionsDriveInvokers(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
client:
  call_timeout: 5s
  pool_size: 2
  codec: binary
server:
  rate_limit: 1000
  burst: 10
`))
	require.NoError(t, err)
	logger := zap.NewNop()
	iface := contract.MustNew((*Adder)(nil))

	svr := server.NewInvoker(cfg.ServerOptions(logger, nil)...)
	require.NoError(t, svr.RegisterService("adder", server.Singleton(adder{}), iface))
	require.NoError(t, svr.Start("tcp://127.0.0.1:0"))
	defer svr.Stop()

	opts, err := cfg.ClientOptions(logger)
	require.NoError(t, err)
	inv := client.NewInvoker(opts...)
	require.NoError(t, inv.Start())
	defer inv.Stop()

	p, err := inv.GetProxy(svr.Addr(), "adder", iface)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		var sum int
		require.NoError(t, p.Call(context.Background(), "Add", &sum, i, 1))
		assert.Equal(t, i+1, sum)
	}
	assert.Equal(t, 2, inv.Connections())
}
