package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/joescharf/gauntlet/internal/models"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 85.0, cfg.Thresholds.AutoApprove)
	assert.Equal(t, 40.0, cfg.Thresholds.HardReject)
	assert.Equal(t, 8, cfg.Coordinator.MaxConcurrentJobs)
	assert.Equal(t, 4, cfg.Coordinator.ParallelPool)
	assert.Equal(t, 30*time.Second, cfg.Coordinator.StageTimeout)
	assert.Equal(t, 300*time.Second, cfg.Escalation.MaxResponseTime)
	assert.Contains(t, cfg.Escalation.Keywords, "refund")
	assert.Equal(t, []string{"go vet ./..."}, cfg.Commands["go"])
	assert.Equal(t, "gauntlet.jobs", cfg.Notify.NATSSubject)
	assert.Equal(t, int64(10000), cfg.Cache.MaxEntries)
}

func TestFromViper_Overrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("thresholds.overrides.document.auto_approve", 95.0)
	v.Set("coordinator.parallel_pool", 0)
	v.Set("log.level", "DEBUG")

	cfg := FromViper(v)

	doc := cfg.ThresholdsFor(models.JobTypeDocument)
	assert.Equal(t, 95.0, doc.AutoApprove)
	assert.Equal(t, 40.0, doc.HardReject, "unset override keys fall back to the global value")
	assert.Equal(t, cfg.Thresholds, cfg.ThresholdsFor(models.JobTypeReview))
	assert.Equal(t, 1, cfg.Coordinator.ParallelPool)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEventEnabled(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.EventEnabled("job.completed"))

	cfg.Notify.Events = []string{"job.escalated", "job.failed"}
	assert.True(t, cfg.EventEnabled("job.failed"))
	assert.False(t, cfg.EventEnabled("job.completed"))
}
