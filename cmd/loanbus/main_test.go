package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/overtonx/loanbus/config"
)

func TestEtlTasks(t *testing.T) {
	cfg := config.SchedulerConfig{ETLTenants: []string{"tenant-a", "tenant-b"}, ETLInterval: 24 * time.Hour}
	routed := []string{"payments.allocate.v1", "vendor.verify.v1"}

	t.Run("etl queue consumed elsewhere", func(t *testing.T) {
		tasks := etlTasks(cfg, append(routed, "etl.run.v1"), zap.NewNop())
		require.Len(t, tasks, 2)
		assert.Equal(t, "etl-run-tenant-a", tasks[0].Name)
		assert.Equal(t, "tenant-a", tasks[0].TenantID)
		assert.Equal(t, "etl.run", tasks[0].Action)
		assert.Equal(t, 24*time.Hour, tasks[0].Interval)
		assert.Equal(t, "tenant-b", tasks[1].TenantID)
	})

	t.Run("no etl consumer", func(t *testing.T) {
		core, logs := observer.New(zap.WarnLevel)
		assert.Empty(t, etlTasks(cfg, routed, zap.New(core)))
		assert.Equal(t, 1, logs.Len())
	})

	t.Run("no tenants", func(t *testing.T) {
		assert.Empty(t, etlTasks(config.SchedulerConfig{}, append(routed, "etl.run.v1"), zap.NewNop()))
	})
}
