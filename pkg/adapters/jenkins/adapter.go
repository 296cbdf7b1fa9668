package jenkins

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// Name is the adapter and CI tool type name.
const Name = "jenkins"

const (
	defaultQueueWait = 15 * time.Second
	defaultQueuePoll = 500 * time.Millisecond
)

// Adapter drives Jenkins pipeline jobs.
//
// External ids have the form "<job>#<build>" once the queued build started,
// or "<job>@queue:<item>" while it is still waiting in the queue.
type Adapter struct {
	client      *Client
	logger      *telemetry.Logger
	remediation int
	queueWait   time.Duration
	queuePoll   time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l.NewComponentLogger("jenkins")
		}
	}
}

// WithQueueWait bounds how long TriggerPipeline waits for the queued build
// to start, and how often it checks.
func WithQueueWait(wait, poll time.Duration) Option {
	return func(a *Adapter) {
		a.queueWait = wait
		if poll > 0 {
			a.queuePoll = poll
		}
	}
}

// New creates an adapter for cfg.
func New(cfg engine.CIToolConfig, client *Client, opts ...Option) (*Adapter, error) {
	if cfg.Type != "" && cfg.Type != Name {
		return nil, fmt.Errorf("jenkins: unsupported ci tool type %q", cfg.Type)
	}
	if client == nil {
		var err error
		client, err = NewClient(cfg.BaseURL, cfg.Username, cfg.Token)
		if err != nil {
			return nil, err
		}
	}
	remediation := cfg.RemediationAttempts
	if remediation <= 0 {
		remediation = 1
	}
	a := &Adapter{
		client:      client,
		logger:      telemetry.NewNopLogger(),
		remediation: remediation,
		queueWait:   defaultQueueWait,
		queuePoll:   defaultQueuePoll,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Factory returns an engine.AdapterFactory building Jenkins adapters.
func Factory(logger *telemetry.Logger, clientOpts ...ClientOption) engine.AdapterFactory {
	return func(cfg engine.CIToolConfig) (engine.Adapter, error) {
		opts := append([]ClientOption(nil), clientOpts...)
		if logger != nil {
			opts = append(opts, WithClientLogger(logger.NewComponentLogger("jenkins")))
		}
		client, err := NewClient(cfg.BaseURL, cfg.Username, cfg.Token, opts...)
		if err != nil {
			return nil, err
		}
		return New(cfg, client, WithLogger(logger))
	}
}

// Name implements engine.Adapter.
func (a *Adapter) Name() string { return Name }

var jobNameInvalid = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// JobName returns the Jenkins job name of a pipeline.
func JobName(def *engine.PipelineDefinition) string {
	name := strings.Trim(jobNameInvalid.ReplaceAllString(def.Name, "-"), "-.")
	if name == "" {
		name = "pipeline-" + def.ID
	}
	return name
}

func jobPath(job string) string {
	return "/job/" + url.PathEscape(job)
}

// CreatePipeline creates the job or updates its configuration. A rejected
// update is remediated by deleting and recreating the job, up to the
// configured number of attempts.
func (a *Adapter) CreatePipeline(ctx context.Context, def *engine.PipelineDefinition) (string, error) {
	job := JobName(def)
	logger := a.logger.WithField("job", job)

	script, err := Render(def)
	if err != nil {
		return "", err
	}
	config, err := ConfigXML(fmt.Sprintf("Managed by conveyor: %s", def.Name), script)
	if err != nil {
		return "", err
	}

	exists, err := a.jobExists(ctx, job)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := a.createJob(ctx, job, config); err != nil {
			return "", err
		}
		logger.Info("job created")
		return job, nil
	}

	updateErr := a.updateJob(ctx, job, config)
	if updateErr == nil {
		logger.Info("job updated")
		return job, nil
	}
	logger.WithError(updateErr).Warn("job update rejected")

	lastErr := updateErr
	for attempt := 1; attempt <= a.remediation; attempt++ {
		attemptLog := logger.WithField("attempt", attempt)
		attemptLog.Warn("recreating job")

		if err := a.deleteJob(ctx, job); err != nil && !IsNotFound(err) {
			attemptLog.WithError(err).Warn("delete failed")
			lastErr = err
			continue
		}
		if err := a.createJob(ctx, job, config); err != nil {
			attemptLog.WithError(err).Warn("recreate failed")
			lastErr = err
			continue
		}
		attemptLog.Info("job recreated")
		return job, nil
	}
	return "", fmt.Errorf("jenkins: job %s could not be updated or recreated after %d attempts: %w", job, a.remediation, lastErr)
}

func (a *Adapter) jobExists(ctx context.Context, job string) (bool, error) {
	_, err := a.client.Get(ctx, jobPath(job)+"/api/json", url.Values{"tree": {"name"}})
	if IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (a *Adapter) createJob(ctx context.Context, job string, config []byte) error {
	_, err := a.client.Post(ctx, "/createItem", url.Values{"name": {job}}, "application/xml", config)
	return err
}

func (a *Adapter) updateJob(ctx context.Context, job string, config []byte) error {
	_, err := a.client.PostIdempotent(ctx, jobPath(job)+"/config.xml", nil, "application/xml", config)
	return err
}

func (a *Adapter) deleteJob(ctx context.Context, job string) error {
	_, err := a.client.Post(ctx, jobPath(job)+"/doDelete", nil, "", nil)
	return err
}

// TriggerPipeline starts a build of the job created by CreatePipeline. It
// never creates or updates the job itself.
func (a *Adapter) TriggerPipeline(ctx context.Context, def *engine.PipelineDefinition) (*engine.TriggerResult, error) {
	job := JobName(def)
	resp, err := a.client.Post(ctx, jobPath(job)+"/build", nil, "", nil)
	if IsNotFound(err) {
		return &engine.TriggerResult{Success: false, Message: fmt.Sprintf("job %s does not exist", job)}, nil
	}
	if err != nil {
		return nil, err
	}

	queueID, ok := parseQueueLocation(resp.Header.Get("Location"))
	if !ok {
		return &engine.TriggerResult{Success: false, Message: "jenkins did not return a queue location"}, nil
	}

	number, err := a.waitForBuild(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if number == 0 {
		ext := fmt.Sprintf("%s@queue:%d", job, queueID)
		return &engine.TriggerResult{Success: true, ExternalID: ext, Message: "build queued"}, nil
	}
	ext := fmt.Sprintf("%s#%d", job, number)
	a.logger.WithField("external_id", ext).Info("build started")
	return &engine.TriggerResult{Success: true, ExternalID: ext, Message: "build started"}, nil
}

var queueLocation = regexp.MustCompile(`/queue/item/(\d+)/?$`)

func parseQueueLocation(loc string) (int64, bool) {
	m := queueLocation.FindStringSubmatch(loc)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	return id, err == nil
}

type queueItem struct {
	ID         int64  `json:"id"`
	Cancelled  bool   `json:"cancelled"`
	Why        string `json:"why"`
	Executable *struct {
		Number int64  `json:"number"`
		URL    string `json:"url"`
	} `json:"executable"`
}

var errQueueItemCancelled = errors.New("queue item was cancelled")

func (a *Adapter) queueItem(ctx context.Context, id int64) (*queueItem, error) {
	var item queueItem
	if err := a.client.GetJSON(ctx, fmt.Sprintf("/queue/item/%d/api/json", id), &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// waitForBuild polls the queue item until it has a build number. It returns
// 0 when the wait budget runs out first.
func (a *Adapter) waitForBuild(ctx context.Context, queueID int64) (int64, error) {
	deadline := time.Now().Add(a.queueWait)
	for {
		item, err := a.queueItem(ctx, queueID)
		if err != nil {
			return 0, err
		}
		if item.Cancelled {
			return 0, errQueueItemCancelled
		}
		if item.Executable != nil && item.Executable.Number > 0 {
			return item.Executable.Number, nil
		}
		if time.Now().Add(a.queuePoll).After(deadline) {
			return 0, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(a.queuePoll):
		}
	}
}

type externalRef struct {
	job     string
	build   int64
	queueID int64
}

func parseExternalID(ext string) (externalRef, error) {
	if i := strings.LastIndex(ext, "@queue:"); i > 0 {
		id, err := strconv.ParseInt(ext[i+len("@queue:"):], 10, 64)
		if err != nil {
			return externalRef{}, fmt.Errorf("jenkins: invalid external id %q", ext)
		}
		return externalRef{job: ext[:i], queueID: id}, nil
	}
	if i := strings.LastIndex(ext, "#"); i > 0 {
		n, err := strconv.ParseInt(ext[i+1:], 10, 64)
		if err != nil {
			return externalRef{}, fmt.Errorf("jenkins: invalid external id %q", ext)
		}
		return externalRef{job: ext[:i], build: n}, nil
	}
	return externalRef{}, fmt.Errorf("jenkins: invalid external id %q", ext)
}

type buildInfo struct {
	Building bool   `json:"building"`
	Result   string `json:"result"`
	URL      string `json:"url"`
}

// GetStatus implements engine.Adapter.
func (a *Adapter) GetStatus(ctx context.Context, externalID string) (*engine.RemoteStatus, error) {
	ref, err := parseExternalID(externalID)
	if err != nil {
		return nil, err
	}

	if ref.build == 0 {
		item, err := a.queueItem(ctx, ref.queueID)
		if err != nil {
			return nil, err
		}
		switch {
		case item.Cancelled:
			return &engine.RemoteStatus{Status: engine.StatusCancelled, Logs: "build was cancelled while queued\n"}, nil
		case item.Executable == nil:
			return &engine.RemoteStatus{Status: engine.StatusPending}, nil
		}
		ref.build = item.Executable.Number
	}

	buildPath := fmt.Sprintf("%s/%d", jobPath(ref.job), ref.build)
	var info buildInfo
	if err := a.client.GetJSON(ctx, buildPath+"/api/json", &info); err != nil {
		return nil, err
	}

	st := &engine.RemoteStatus{Status: mapResult(info), URL: info.URL}
	if st.Status.IsTerminal() {
		resp, err := a.client.Get(ctx, buildPath+"/consoleText", nil)
		if err != nil {
			a.logger.WithError(err).Warn("failed to fetch console log")
		} else {
			st.Logs = string(resp.Body)
		}
	}
	return st, nil
}

func mapResult(info buildInfo) engine.ExecutionStatus {
	if info.Building {
		return engine.StatusRunning
	}
	switch info.Result {
	case "SUCCESS":
		return engine.StatusSuccess
	case "ABORTED":
		return engine.StatusCancelled
	case "FAILURE", "UNSTABLE", "NOT_BUILT":
		return engine.StatusFailed
	default:
		return engine.StatusRunning
	}
}

// CancelPipeline stops a running build or removes a queued one.
func (a *Adapter) CancelPipeline(ctx context.Context, externalID string) error {
	ref, err := parseExternalID(externalID)
	if err != nil {
		return err
	}
	if ref.build == 0 {
		_, err := a.client.Post(ctx, "/queue/cancelItem", url.Values{"id": {strconv.FormatInt(ref.queueID, 10)}}, "", nil)
		return err
	}
	_, err = a.client.Post(ctx, fmt.Sprintf("%s/%d/stop", jobPath(ref.job), ref.build), nil, "", nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusMethodNotAllowed {
			return engine.ErrNotSupported
		}
	}
	return err
}
