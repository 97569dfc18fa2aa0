package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/maestro/catalog"
	"goa.design/maestro/expand"
	storemem "goa.design/maestro/store/memory"
	"goa.design/maestro/task"
)

const videoTemplate = `name: CreateVideo
variables:
  slides: 2
  topic: ""
tasks:
  - id: '{{ SHORT_UUID "text" }}'
    service: text-service
    name: CreateText
    prompt: 'write a script about {{ .topic }}'
  - id: '{{ SHORT_UUID "voice" }}'
    service: voice-service
    name: CreateVoice
    inputs:
      text_task_id: '{{ SHORT_UUID "text" }}'
  - id: '{{ SHORT_UUID "slide" }}'
    service: image-service
    name: CreateImage
    count: '{{ .slides }}'
    inputs:
      text_task_id: '{{ SHORT_UUID "text" }}'
  - id: '{{ SHORT_UUID "video" }}'
    service: video-service
    name: AssembleVideo
    inputs:
      voice_task_id: '{{ SHORT_UUID "voice" }}'
      slide_ids:
        - '{{ SHORT_UUID "slide" }}'
`

func newTestOrchestrator(t *testing.T, opts ...func(*Config)) *Orchestrator {
	t.Helper()
	cfg := Config{Store: storemem.New()}
	for _, opt := range opts {
		opt(&cfg)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	return o
}

func registerVideo(t *testing.T, o *Orchestrator) {
	t.Helper()
	err := o.RegisterTemplate(context.Background(), &catalog.Template{
		Name:    "CreateVideo",
		Version: "1",
		Source:  videoTemplate,
	})
	require.NoError(t, err)
}

// byName indexes scenario tasks by operation name; replicas share a name.
func byName(tasks []*task.Task) map[string][]*task.Task {
	out := make(map[string][]*task.Task)
	for _, tk := range tasks {
		out[tk.Name] = append(out[tk.Name], tk)
	}
	return out
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestSubmitUnknownTemplate(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.Submit(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestSubmitPublishesGraph(t *testing.T) {
	o := newTestOrchestrator(t)
	registerVideo(t, o)
	ctx := context.Background()

	id, err := o.Submit(ctx, "CreateVideo", map[string]any{"topic": "go", "slides": 3})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sc, err := o.GetScenario(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "CreateVideo", sc.TemplateName)
	// text + voice + 3 slides + video
	assert.Len(t, sc.TaskIDs, 6)

	tasks, err := o.ScenarioTasks(ctx, id)
	require.NoError(t, err)
	names := byName(tasks)

	text := names["CreateText"][0]
	assert.Equal(t, task.StatusQueued, text.Status)
	assert.Equal(t, "write a script about go", text.Prompt)
	assert.Len(t, text.Consumers, 4, "voice plus three slides")

	video := names["AssembleVideo"][0]
	assert.Equal(t, task.StatusPending, video.Status)
	assert.Equal(t, 4, video.PendingCount)
	assert.True(t, video.Inputs["slide_ids"].Many)
	assert.Len(t, video.Inputs["slide_ids"].IDs, 3)

	depth, err := o.QueueDepth(ctx, "text-service")
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

func TestSubmitDefaultsApply(t *testing.T) {
	o := newTestOrchestrator(t)
	registerVideo(t, o)
	ctx := context.Background()

	// slides defaults to 2, topic to "".
	id, err := o.Submit(ctx, "CreateVideo", nil)
	require.NoError(t, err)
	sc, err := o.GetScenario(ctx, id)
	require.NoError(t, err)
	assert.Len(t, sc.TaskIDs, 5)
}

func TestSubmitIsolatesScenarioIDs(t *testing.T) {
	o := newTestOrchestrator(t)
	registerVideo(t, o)
	ctx := context.Background()

	a, err := o.Submit(ctx, "CreateVideo", nil)
	require.NoError(t, err)
	b, err := o.Submit(ctx, "CreateVideo", nil)
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	ta, err := o.ScenarioTasks(ctx, a)
	require.NoError(t, err)
	tb, err := o.ScenarioTasks(ctx, b)
	require.NoError(t, err)
	idsA := make(map[string]bool)
	for _, tk := range ta {
		idsA[tk.ID] = true
	}
	for _, tk := range tb {
		assert.False(t, idsA[tk.ID], "task ids must not collide across scenarios: %s", tk.ID)
	}
}

func TestSubmitRejectsUnknownService(t *testing.T) {
	o := newTestOrchestrator(t)
	err := o.RegisterTemplate(context.Background(), &catalog.Template{
		Name:   "Rogue",
		Source: "name: Rogue\ntasks:\n  - id: a\n    service: quantum-service\n    name: Q\n",
	})
	require.NoError(t, err)

	_, err = o.Submit(context.Background(), "Rogue", nil)
	kind, ok := expand.KindOf(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, expand.KindInvalidTemplate, kind)
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestSubmitRejectsBadRender(t *testing.T) {
	o := newTestOrchestrator(t)
	err := o.RegisterTemplate(context.Background(), &catalog.Template{
		Name:   "Broken",
		Source: "name: Broken\ntasks:\n  - id: '{{ .missing }}'\n    service: text-service\n    name: T\n",
	})
	require.NoError(t, err)

	_, err = o.Submit(context.Background(), "Broken", nil)
	kind, ok := expand.KindOf(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, expand.KindInvalidTemplate, kind)
}

func TestSubmitValidatesParams(t *testing.T) {
	o := newTestOrchestrator(t)
	err := o.RegisterTemplate(context.Background(), &catalog.Template{
		Name:         "Strict",
		Source:       "name: Strict\ntasks:\n  - id: a\n    service: text-service\n    name: T\n",
		ParamsSchema: `{"type":"object","properties":{"n":{"type":"integer","minimum":1}},"required":["n"]}`,
	})
	require.NoError(t, err)

	_, err = o.Submit(context.Background(), "Strict", nil)
	assert.Error(t, err, "missing required parameter")

	_, err = o.Submit(context.Background(), "Strict", map[string]any{"n": 0})
	assert.Error(t, err, "below minimum")

	_, err = o.Submit(context.Background(), "Strict", map[string]any{"n": 3})
	assert.NoError(t, err)
}

// drive claims and succeeds tasks service by service until the scenario
// settles, asserting dependency order along the way.
func drive(t *testing.T, o *Orchestrator, scenarioID string) {
	t.Helper()
	ctx := context.Background()
	for {
		progressed := false
		for _, svc := range DefaultServices {
			for {
				claimed, err := o.Claim(ctx, svc, 10*time.Millisecond)
				require.NoError(t, err)
				if claimed == nil {
					break
				}
				progressed = true
				// Every upstream of a claimable task must already be SUCCESS.
				for _, dep := range claimed.Inputs.Upstream() {
					up, err := o.GetTask(ctx, dep)
					require.NoError(t, err)
					require.Equal(t, task.StatusSuccess, up.Status,
						"task %s claimed before upstream %s finished", claimed.ID, dep)
				}
				_, err = o.Succeed(ctx, claimed.ID, "ref://"+claimed.ID)
				require.NoError(t, err)
			}
		}
		if !progressed {
			return
		}
	}
}

func TestFullScenarioLifecycle(t *testing.T) {
	o := newTestOrchestrator(t)
	registerVideo(t, o)
	ctx := context.Background()

	id, err := o.Submit(ctx, "CreateVideo", map[string]any{"slides": 2})
	require.NoError(t, err)
	drive(t, o, id)

	p, err := o.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDone, p.State)
	assert.Equal(t, p.Total, p.Counts[task.StatusSuccess])

	tasks, err := o.ScenarioTasks(ctx, id)
	require.NoError(t, err)
	for _, tk := range tasks {
		assert.Equal(t, "ref://"+tk.ID, tk.ResultRef)
	}
}

func TestFailureLeavesScenarioStuck(t *testing.T) {
	o := newTestOrchestrator(t)
	registerVideo(t, o)
	ctx := context.Background()

	id, err := o.Submit(ctx, "CreateVideo", map[string]any{"slides": 1})
	require.NoError(t, err)

	// Fail the root text task; everything downstream stays PENDING.
	claimed, err := o.Claim(ctx, "text-service", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, o.Fail(ctx, claimed.ID, "model refused"))

	p, err := o.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateStuck, p.State)
	assert.Equal(t, 1, p.Counts[task.StatusFailed])
	assert.Equal(t, 3, p.Counts[task.StatusPending])

	got, err := o.GetTask(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, "model refused", got.Error)
}

func TestCascadeFailSettlesScenario(t *testing.T) {
	o := newTestOrchestrator(t, func(cfg *Config) { cfg.CascadeFail = true })
	registerVideo(t, o)
	ctx := context.Background()

	id, err := o.Submit(ctx, "CreateVideo", map[string]any{"slides": 1})
	require.NoError(t, err)

	claimed, err := o.Claim(ctx, "text-service", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, o.Fail(ctx, claimed.ID, "boom"))

	p, err := o.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, p.State)
	assert.Equal(t, p.Total, p.Counts[task.StatusFailed])
}

func TestDoubleSucceedRejected(t *testing.T) {
	o := newTestOrchestrator(t)
	registerVideo(t, o)
	ctx := context.Background()

	_, err := o.Submit(ctx, "CreateVideo", nil)
	require.NoError(t, err)
	claimed, err := o.Claim(ctx, "text-service", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	_, err = o.Succeed(ctx, claimed.ID, "ref")
	require.NoError(t, err)
	_, err = o.Succeed(ctx, claimed.ID, "ref")
	assert.ErrorIs(t, err, task.ErrInvalidTransition)
}

func TestClaimUnknownService(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.Claim(context.Background(), "quantum-service", time.Millisecond)
	assert.ErrorIs(t, err, ErrUnknownService)
	_, err = o.QueueDepth(context.Background(), "quantum-service")
	assert.ErrorIs(t, err, ErrUnknownService)
}

const diamondTemplate = `name: Diamond
tasks:
  - id: a
    service: text-service
    name: A
  - id: b
    service: text-service
    name: B
    inputs:
      dep: a
  - id: c
    service: voice-service
    name: C
    inputs:
      dep: a
  - id: d
    service: video-service
    name: D
    inputs:
      left: b
      right: c
`

// The join task of a diamond must be enqueued exactly once no matter how
// its two upstreams interleave their completions.
func TestDiamondJoinEnqueuedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		o := newTestOrchestrator(t)
		require.NoError(t, o.RegisterTemplate(ctx, &catalog.Template{Name: "Diamond", Source: diamondTemplate}))
		_, err := o.Submit(ctx, "Diamond", nil)
		require.NoError(t, err)

		a, err := o.Claim(ctx, "text-service", 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, a)
		_, err = o.Succeed(ctx, a.ID, "ref")
		require.NoError(t, err)

		b, err := o.Claim(ctx, "text-service", 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, b)
		c, err := o.Claim(ctx, "voice-service", 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, c)

		// Race the two completions.
		var wg sync.WaitGroup
		var mu sync.Mutex
		var enqueued []string
		for _, id := range []string{b.ID, c.ID} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				got, err := o.Succeed(ctx, id, "ref")
				if err != nil {
					return
				}
				mu.Lock()
				enqueued = append(enqueued, got...)
				mu.Unlock()
			}(id)
		}
		wg.Wait()

		require.Len(t, enqueued, 1, "join enqueued exactly once")
		d, err := o.Claim(ctx, "video-service", 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, enqueued[0], d.ID)

		// Nothing left on the queue.
		extra, err := o.Claim(ctx, "video-service", 10*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, extra)
	}
}

func TestWorkerCrashRecovery(t *testing.T) {
	o := newTestOrchestrator(t)
	registerVideo(t, o)
	ctx := context.Background()

	id, err := o.Submit(ctx, "CreateVideo", map[string]any{"slides": 1})
	require.NoError(t, err)

	// Claim and abandon the text task, then revoke it as the janitor would.
	claimed, err := o.Claim(ctx, "text-service", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	cutoff := time.Now().Add(time.Minute)
	stale, err := o.Store().StaleProcessing(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, []string{claimed.ID}, stale)
	ok, err := o.Store().Revoke(ctx, claimed.ID, cutoff, "worker lost")
	require.NoError(t, err)
	require.True(t, ok)

	// A late success from the presumed-dead worker is rejected.
	_, err = o.Succeed(ctx, claimed.ID, "late")
	assert.ErrorIs(t, err, task.ErrInvalidTransition)

	p, err := o.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateStuck, p.State)
}

func TestProgressUnknownScenario(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.Progress(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestFailTaskNotFound(t *testing.T) {
	o := newTestOrchestrator(t)
	err := o.Fail(context.Background(), "ghost", "reason")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, task.ErrInvalidTransition))
}
