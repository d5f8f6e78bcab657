package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/oakridgehealth/clinic-scheduler/internal/config"
)

func TestBuildRedisClientDisabledWithoutAddr(t *testing.T) {
	assert.Nil(t, BuildRedisClient(context.Background(), &appconfig.Config{}, nil, false))
	assert.Nil(t, BuildRedisClient(context.Background(), nil, nil, false))
}

func TestBuildRedisClientVerifiesPing(t *testing.T) {
	srv := miniredis.RunT(t)
	cfg := &appconfig.Config{RedisAddr: srv.Addr()}

	client := BuildRedisClient(context.Background(), cfg, nil, true)
	require.NotNil(t, client)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
}

func TestBuildRedisClientNilWhenUnreachable(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()
	cfg := &appconfig.Config{RedisAddr: addr}

	assert.Nil(t, BuildRedisClient(context.Background(), cfg, nil, true))
}

func TestBuildPgxPoolRequiresDatabaseURL(t *testing.T) {
	_, err := BuildPgxPool(context.Background(), &appconfig.Config{})
	require.Error(t, err)
	_, err = BuildSQLDB(context.Background(), &appconfig.Config{})
	require.Error(t, err)
}

func TestBuildDoctorDirectoryWithoutRedisIsRepository(t *testing.T) {
	cfg := &appconfig.Config{DoctorCacheTTL: time.Minute}
	dir := BuildDoctorDirectory(nil, nil, cfg, nil)
	require.NotNil(t, dir)
	_, isCached := dir.(*cachedDirectory)
	assert.False(t, isCached)
}

func TestBuildConflictNotifierDisabled(t *testing.T) {
	assert.Nil(t, BuildConflictNotifier(context.Background(), &appconfig.Config{
		NotifyOnConflicts: false, NotifyFromEmail: "ops@example.com",
	}, nil))
	assert.Nil(t, BuildConflictNotifier(context.Background(), &appconfig.Config{
		NotifyOnConflicts: true,
	}, nil))
}
