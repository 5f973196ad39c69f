package validator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go-link-downloader/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapProber struct {
	mu    sync.Mutex
	metas map[string]models.VideoMetadata
	seen  []string
}

func (p *mapProber) Probe(_ context.Context, u string) models.VideoMetadata {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, u)
	if m, ok := p.metas[u]; ok {
		return m
	}
	return models.VideoMetadata{Title: u}
}

const mb = 1024 * 1024

func probed(title string, duration float64, size int64) models.VideoMetadata {
	return models.VideoMetadata{Title: title, Duration: duration, EstimatedSizeBytes: size, ProbeSucceeded: true}
}

func TestValidateDurationRejectsRegardlessOfSize(t *testing.T) {
	p := &mapProber{metas: map[string]models.VideoMetadata{
		"https://a.example/1": probed("long", 7200, 1),
		"https://a.example/2": probed("long and huge", 7200, 900*mb),
	}}
	v := New(p, Limits{MaxDurationSec: 3600, MaxFileSizeBytes: 100 * mb, MaxSessionSizeBytes: 100 * mb}, 4)

	verdicts := v.Validate(context.Background(), []string{"https://a.example/1", "https://a.example/2"})
	require.Len(t, verdicts, 2)
	for _, verdict := range verdicts {
		assert.False(t, verdict.Accepted)
		assert.Equal(t, models.RejectDuration, verdict.Code)
		assert.Contains(t, verdict.Reason, ErrDurationExceeded.Error())
	}
}

func TestValidateCumulativeExcludesRejected(t *testing.T) {
	ceiling := int64(100 * mb)
	p := &mapProber{metas: map[string]models.VideoMetadata{
		"https://a.example/1": probed("one", 60, ceiling*6/10),
		"https://a.example/2": probed("two", 60, ceiling*6/10),
		"https://a.example/3": probed("three", 60, ceiling/10),
	}}
	v := New(p, Limits{MaxDurationSec: 3600, MaxFileSizeBytes: ceiling, MaxSessionSizeBytes: ceiling}, 3)

	verdicts := v.Validate(context.Background(), []string{
		"https://a.example/1", "https://a.example/2", "https://a.example/3",
	})
	require.Len(t, verdicts, 3)
	assert.True(t, verdicts[0].Accepted)
	assert.False(t, verdicts[1].Accepted)
	assert.Equal(t, models.RejectSessionSize, verdicts[1].Code)
	assert.True(t, verdicts[2].Accepted)
}

func TestValidatePerFileCeiling(t *testing.T) {
	p := &mapProber{metas: map[string]models.VideoMetadata{
		"https://a.example/big": probed("big", 60, 101*mb),
	}}
	v := New(p, Limits{MaxDurationSec: 3600, MaxFileSizeBytes: 100 * mb, MaxSessionSizeBytes: 500 * mb}, 1)

	verdicts := v.Validate(context.Background(), []string{"https://a.example/big"})
	require.Len(t, verdicts, 1)
	assert.False(t, verdicts[0].Accepted)
	assert.Equal(t, models.RejectFileSize, verdicts[0].Code)
	assert.Equal(t, "big", verdicts[0].Title)
}

func TestValidateProbeFailureAccepted(t *testing.T) {
	p := &mapProber{metas: map[string]models.VideoMetadata{}}
	v := New(p, Limits{MaxDurationSec: 1, MaxFileSizeBytes: 1, MaxSessionSizeBytes: 1}, 2)

	verdicts := v.Validate(context.Background(), []string{"https://a.example/unknown"})
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].Accepted)
	assert.Equal(t, "https://a.example/unknown", verdicts[0].Title)
}

func TestValidatePreservesOrderAndIsIdempotent(t *testing.T) {
	p := &mapProber{metas: map[string]models.VideoMetadata{
		"https://a.example/x": probed("x", 10, 10*mb),
	}}
	v := New(p, Limits{MaxDurationSec: 3600, MaxFileSizeBytes: 100 * mb, MaxSessionSizeBytes: 500 * mb}, 4)

	urls := []string{"https://a.example/x", "https://a.example/y", "https://a.example/x"}
	verdicts := v.Validate(context.Background(), urls)
	require.Len(t, verdicts, 3)
	for i, u := range urls {
		assert.Equal(t, u, verdicts[i].URL)
	}
	assert.Equal(t, verdicts[0], verdicts[2])
}

func TestValidateNormalizesBeforeProbing(t *testing.T) {
	p := &mapProber{metas: map[string]models.VideoMetadata{}}
	v := New(p, Limits{}, 1)

	verdicts := v.Validate(context.Background(), []string{"https://www.youtube.com/watch?v=abc&list=PL1&t=10"})
	require.Len(t, verdicts, 1)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc", verdicts[0].URL)
	assert.Equal(t, []string{"https://www.youtube.com/watch?v=abc"}, p.seen)
}

func TestValidateEmpty(t *testing.T) {
	v := New(&mapProber{}, Limits{}, 1)
	assert.Empty(t, v.Validate(context.Background(), nil))
}

func TestSplit(t *testing.T) {
	accepted, rejected := Split([]models.Verdict{
		{URL: "a", Accepted: true}, {URL: "b"}, {URL: "c", Accepted: true},
	})
	assert.Equal(t, "a", accepted[0].URL)
	assert.Equal(t, "c", accepted[1].URL)
	require.Len(t, rejected, 1)
	assert.Equal(t, "b", rejected[0].URL)
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://www.youtube.com/watch?v=abc&list=PL&index=2", "https://www.youtube.com/watch?v=abc"},
		{"  https://youtube.com/watch?feature=share&v=xyz  ", "https://youtube.com/watch?v=xyz"},
		{"https://youtu.be/abc?si=tracking", "https://youtu.be/abc"},
		{"https://www.youtube.com/watch?list=PL", "https://www.youtube.com/watch?list=PL"},
		{"https://soundcloud.com/a/b?in=x", "https://soundcloud.com/a/b?in=x"},
		{"not a url", "not a url"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeURL(tt.in), tt.in)
	}
}

func TestRejectWrapsSentinel(t *testing.T) {
	v := New(&mapProber{}, Limits{MaxDurationSec: 1}, 1)
	err := v.checkDuration(probed("x", 5, 0))
	assert.True(t, errors.Is(err, ErrDurationExceeded))
}
