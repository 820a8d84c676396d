package request

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/c2mon/c2mon-sub007/internal/event"
	"github.com/c2mon/c2mon-sub007/internal/infrastructure/config"
	"github.com/c2mon/c2mon-sub007/internal/messaging"
)

// Handler defaults.
const (
	DefaultMaxIDsPerRequest = 500
	DefaultMaxParallel      = 5

	// activeAlarmsTimeout is fixed; the server answers from its cache.
	activeAlarmsTimeout = 60 * time.Second
)

// Requester sends a request and waits for its final reply.
// *messaging.Gateway and *messaging.Proxy implement it.
type Requester interface {
	SendRequest(ctx context.Context, req event.ClientRequest, queue string, timeout time.Duration, listener messaging.ReportListener) (*messaging.Reply, error)
}

// Options configures a Handler.
type Options struct {
	RequestQueue string
	AdminQueue   string

	// Timeout is the base request timeout. Long-running request types
	// scale it.
	Timeout time.Duration

	MaxIDsPerRequest int
	MaxParallel      int
}

// OptionsFromConfig maps the loaded configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		RequestQueue:     cfg.Channels.RequestQueue,
		AdminQueue:       cfg.Channels.AdminRequestQueue,
		Timeout:          cfg.Requests.TimeoutDuration(),
		MaxIDsPerRequest: cfg.Requests.MaxIDsPerRequest,
		MaxParallel:      cfg.Requests.MaxParallel,
	}
}

// Handler issues typed requests.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Handler struct {
	requester Requester
	opts      Options
}

// New creates a Handler.
func New(requester Requester, opts Options) *Handler {
	if opts.MaxIDsPerRequest <= 0 {
		opts.MaxIDsPerRequest = DefaultMaxIDsPerRequest
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	if opts.AdminQueue == "" {
		opts.AdminQueue = opts.RequestQueue
	}
	return &Handler{requester: requester, opts: opts}
}

// RequestTags returns the current values of the given tags together with
// their static description.
func (h *Handler) RequestTags(ctx context.Context, ids []int64) ([]event.TagUpdate, error) {
	return fetchByID[event.TagUpdate](ctx, h, ids, event.RequestTag, event.ResultTagList)
}

// RequestTagValues returns only the current values of the given tags.
func (h *Handler) RequestTagValues(ctx context.Context, ids []int64) ([]event.TagUpdate, error) {
	return fetchByID[event.TagUpdate](ctx, h, ids, event.RequestTag, event.ResultTagValueList)
}

// RequestTagsByName returns the tags whose names match any of the given
// regular expressions.
func (h *Handler) RequestTagsByName(ctx context.Context, regexes []string) ([]event.TagUpdate, error) {
	if len(regexes) == 0 {
		return []event.TagUpdate{}, nil
	}

	chunks := chunk(regexes, h.opts.MaxIDsPerRequest)
	return fetchChunks[event.TagUpdate](ctx, h, len(chunks), func(i int) event.ClientRequest {
		req := h.newRequest(event.RequestTag, event.ResultTagList)
		req.Regexes = chunks[i]
		return req
	})
}

// RequestTagConfigurations returns the configuration of the given tags.
func (h *Handler) RequestTagConfigurations(ctx context.Context, ids []int64) ([]event.TagConfig, error) {
	return fetchByID[event.TagConfig](ctx, h, ids, event.RequestTagConfiguration, event.ResultTagConfigList)
}

// RequestAlarms returns the given alarms.
func (h *Handler) RequestAlarms(ctx context.Context, ids []int64) ([]event.AlarmValue, error) {
	return fetchByID[event.AlarmValue](ctx, h, ids, event.RequestAlarm, event.ResultAlarmList)
}

// RequestActiveAlarms returns every currently active alarm.
func (h *Handler) RequestActiveAlarms(ctx context.Context) ([]event.AlarmValue, error) {
	req := event.NewClientRequest(event.RequestActiveAlarms, event.ResultActiveAlarmList, activeAlarmsTimeout)
	return fetchOne[event.AlarmValue](ctx, h, req, h.opts.RequestQueue, nil)
}

// SupervisionStatus returns the last supervision event of every process
// and equipment.
func (h *Handler) SupervisionStatus(ctx context.Context) ([]event.SupervisionEvent, error) {
	req := h.newRequest(event.RequestSupervision, event.ResultSupervisionList)
	return fetchOne[event.SupervisionEvent](ctx, h, req, h.opts.RequestQueue, nil)
}

// CommandTagHandles returns the command handles for the given command ids.
func (h *Handler) CommandTagHandles(ctx context.Context, ids []int64) ([]event.CommandTagHandle, error) {
	return fetchByID[event.CommandTagHandle](ctx, h, ids, event.RequestCommandHandle, event.ResultCommandHandles)
}

// ProcessNames returns the names of all configured DAQ processes.
func (h *Handler) ProcessNames(ctx context.Context) ([]string, error) {
	req := h.newRequest(event.RequestProcessNames, event.ResultProcessNames)
	entries, err := fetchOne[event.ProcessName](ctx, h, req, h.opts.RequestQueue, nil)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}

// ProcessXML returns the DAQ configuration document of a process.
func (h *Handler) ProcessXML(ctx context.Context, processName string) (string, error) {
	req := h.newRequest(event.RequestProcessXML, event.ResultProcessXML)
	req.Parameter = processName

	docs, err := fetchOne[event.ProcessXML](ctx, h, req, h.opts.RequestQueue, nil)
	if err != nil {
		return "", err
	}
	if len(docs) != 1 {
		return "", fmt.Errorf("%w: %d documents for process %s", ErrUnexpectedResult, len(docs), processName)
	}
	return docs[0].XML, nil
}

// ApplyConfiguration asks the server to apply configuration configID and
// returns its report. The request goes to the administrative queue; the
// listener (optional) receives progress reports while it runs.
func (h *Handler) ApplyConfiguration(ctx context.Context, configID int64, listener messaging.ReportListener) (event.ConfigurationReport, error) {
	req := h.newRequest(event.RequestApplyConfiguration, event.ResultConfigurationReport)
	req.IDs = []int64{configID}
	req.Parameter = strconv.FormatInt(configID, 10)

	reports, err := fetchOne[event.ConfigurationReport](ctx, h, req, h.opts.AdminQueue, listener)
	if err != nil {
		return event.ConfigurationReport{}, err
	}
	if len(reports) != 1 {
		return event.ConfigurationReport{}, fmt.Errorf("%w: %d reports for configuration %d", ErrUnexpectedResult, len(reports), configID)
	}
	return reports[0], nil
}

// ExecuteCommand executes a command tag. The request carries the command
// as a binary object.
func (h *Handler) ExecuteCommand(ctx context.Context, cmd event.CommandExecuteRequest) (event.CommandReport, error) {
	req := h.newRequest(event.RequestExecuteCommand, event.ResultCommandReport)
	req.IDs = []int64{cmd.CommandID}
	req.Object = cmd

	reply, err := h.requester.SendRequest(ctx, req, h.opts.RequestQueue, 0, nil)
	if err != nil {
		return event.CommandReport{}, fmt.Errorf("executing command %d: %w", cmd.CommandID, err)
	}

	if reply.Binary != nil {
		var report event.CommandReport
		if err := msgpack.Unmarshal(reply.Binary, &report); err != nil {
			return event.CommandReport{}, fmt.Errorf("%w: command report: %w", ErrUnexpectedResult, err)
		}
		return report, nil
	}

	reports, err := decode[event.CommandReport](reply.Results)
	if err != nil {
		return event.CommandReport{}, err
	}
	if len(reports) != 1 {
		return event.CommandReport{}, fmt.Errorf("%w: %d reports for command %d", ErrUnexpectedResult, len(reports), cmd.CommandID)
	}
	return reports[0], nil
}

func (h *Handler) newRequest(rt event.RequestType, result event.ResultType) event.ClientRequest {
	return event.NewClientRequest(rt, result, h.opts.Timeout)
}

// fetchByID splits ids into chunks and sends one request per chunk.
func fetchByID[T any](ctx context.Context, h *Handler, ids []int64, rt event.RequestType, result event.ResultType) ([]T, error) {
	if len(ids) == 0 {
		return []T{}, nil
	}

	chunks := chunk(ids, h.opts.MaxIDsPerRequest)
	return fetchChunks[T](ctx, h, len(chunks), func(i int) event.ClientRequest {
		req := h.newRequest(rt, result)
		req.IDs = chunks[i]
		return req
	})
}

// fetchChunks sends n requests, at most MaxParallel at a time, and merges
// their results in request order. The first failure cancels the rest.
func fetchChunks[T any](ctx context.Context, h *Handler, n int, build func(i int) event.ClientRequest) ([]T, error) {
	parts := make([][]T, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.opts.MaxParallel)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			items, err := fetchOne[T](gctx, h, build(i), h.opts.RequestQueue, nil)
			if err != nil {
				return err
			}
			parts[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]T, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

// fetchOne sends a single request and decodes its text reply.
func fetchOne[T any](ctx context.Context, h *Handler, req event.ClientRequest, queue string, listener messaging.ReportListener) ([]T, error) {
	reply, err := h.requester.SendRequest(ctx, req, queue, 0, listener)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", req.RequestType, err)
	}
	if reply.Binary != nil {
		return nil, fmt.Errorf("%w: binary reply to %s request", ErrUnexpectedResult, req.RequestType)
	}
	return decode[T](reply.Results)
}

func decode[T any](results []json.RawMessage) ([]T, error) {
	out := make([]T, len(results))
	for i, raw := range results {
		if err := json.Unmarshal(raw, &out[i]); err != nil {
			return nil, fmt.Errorf("%w: element %d: %w", ErrUnexpectedResult, i, err)
		}
	}
	return out, nil
}

func chunk[T any](items []T, size int) [][]T {
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
