package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/narrator/internal/orchestrator"
	"github.com/MrWong99/narrator/pkg/sink"
	"github.com/MrWong99/narrator/pkg/types"
)

type ListBackendsArgs struct{}

type BackendSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Enabled     bool   `json:"enabled"`
	Configured  bool   `json:"configured"`
	Problem     string `json:"problem,omitempty"`
}

type ListBackendsOutput struct {
	Backends []BackendSummary `json:"backends"`
}

func (s *Server) listBackends(ctx context.Context, _ *mcp.CallToolRequest, _ ListBackendsArgs) (*mcp.CallToolResult, ListBackendsOutput, error) {
	var out ListBackendsOutput
	for _, d := range s.backends.Descriptors() {
		bs := BackendSummary{ID: d.ID, DisplayName: d.DisplayName, Enabled: d.Enabled}
		if d.Enabled {
			b, err := s.backends.Resolve(ctx, d.ID)
			if err != nil {
				bs.Problem = err.Error()
			} else {
				bs.Configured = b.IsConfigured()
			}
		}
		out.Backends = append(out.Backends, bs)
	}
	return nil, out, nil
}

type ListVoicesArgs struct {
	Backend string `json:"backend" jsonschema:"backend identifier as returned by list_backends"`
}

type VoiceSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language,omitempty"`
	Gender   string `json:"gender,omitempty"`
}

type ListVoicesOutput struct {
	Backend string         `json:"backend"`
	Voices  []VoiceSummary `json:"voices"`
}

func (s *Server) listVoices(ctx context.Context, _ *mcp.CallToolRequest, args ListVoicesArgs) (*mcp.CallToolResult, ListVoicesOutput, error) {
	voices, err := s.orch.ListVoices(ctx, args.Backend)
	if err != nil {
		return nil, ListVoicesOutput{}, err
	}
	out := ListVoicesOutput{Backend: args.Backend, Voices: make([]VoiceSummary, len(voices))}
	for i, v := range voices {
		out.Voices[i] = VoiceSummary{ID: v.ID, Name: v.Name, Language: v.Language, Gender: v.Gender}
	}
	return nil, out, nil
}

type GenerateArgs struct {
	Backend string `json:"backend" jsonschema:"backend identifier"`
	Voice   string `json:"voice" jsonschema:"voice ID from list_voices"`
	Text    string `json:"text" jsonschema:"text to speak"`
}

type GenerateOutput struct {
	Backend          string  `json:"backend"`
	Fingerprint      string  `json:"fingerprint"`
	CacheHit         bool    `json:"cache_hit"`
	Bytes            int     `json:"bytes"`
	Format           string  `json:"format"`
	EstimatedSeconds float64 `json:"estimated_seconds"`
}

func (s *Server) generate(ctx context.Context, _ *mcp.CallToolRequest, args GenerateArgs) (*mcp.CallToolResult, GenerateOutput, error) {
	item := types.Message{Ref: types.Ref{Backend: args.Backend, Voice: args.Voice}, Text: args.Text}
	res, err := s.orch.Generate(ctx, item, "")
	if err != nil {
		return nil, GenerateOutput{}, err
	}
	out := GenerateOutput{
		Backend:     res.BackendID,
		Fingerprint: res.Fingerprint,
		CacheHit:    res.CacheHit,
		Bytes:       len(res.Audio),
		Format:      sink.Ext(res.Audio),
	}
	if b, err := s.backends.Resolve(ctx, res.BackendID); err == nil {
		out.EstimatedSeconds = b.EstimateDuration(args.Text, args.Voice)
	}
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.AudioContent{Data: res.Audio, MIMEType: mimeType(out.Format)},
			&mcp.TextContent{Text: fmt.Sprintf("%d bytes of %s audio from %s (cache hit: %t)", out.Bytes, out.Format, out.Backend, out.CacheHit)},
		},
	}
	return result, out, nil
}

func mimeType(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "wav", "ogg", "flac":
		return "audio/" + format
	default:
		return "application/octet-stream"
	}
}

type BatchItem struct {
	Backend string `json:"backend,omitempty" jsonschema:"overrides the batch backend for this item"`
	Voice   string `json:"voice"`
	Text    string `json:"text"`
}

type StartBatchArgs struct {
	Name         string      `json:"name,omitempty" jsonschema:"human-readable batch name"`
	Backend      string      `json:"backend,omitempty" jsonschema:"backend for items without their own"`
	SaveInterval int         `json:"save_interval,omitempty" jsonschema:"persist after this many items"`
	Items        []BatchItem `json:"items"`
}

type BatchIDArgs struct {
	ID string `json:"id" jsonschema:"batch ID returned by start_batch"`
}

// BatchStatus mirrors [orchestrator.JobInfo] with plain field types.
type BatchStatus struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Status        string  `json:"status"`
	CurrentIndex  int     `json:"current_index"`
	TotalCount    int     `json:"total_count"`
	Progress      float64 `json:"progress"`
	Message       string  `json:"message"`
	CancelPending bool    `json:"cancel_pending"`
	Error         string  `json:"error,omitempty"`
	Generated     int     `json:"generated"`
	CacheHits     int     `json:"cache_hits"`
	Created       string  `json:"created"`
}

func statusOf(j *orchestrator.Job) BatchStatus {
	info := j.Info()
	return BatchStatus{
		ID:            info.ID,
		Name:          info.Name,
		Status:        info.Status.String(),
		CurrentIndex:  info.CurrentIndex,
		TotalCount:    info.TotalCount,
		Progress:      info.Progress,
		Message:       info.StatusMessage,
		CancelPending: info.CancelPending,
		Error:         info.Error,
		Generated:     info.Generated,
		CacheHits:     info.CacheHits,
		Created:       info.Created.Format(time.RFC3339),
	}
}

func (s *Server) startBatch(_ context.Context, _ *mcp.CallToolRequest, args StartBatchArgs) (*mcp.CallToolResult, BatchStatus, error) {
	if len(args.Items) == 0 {
		return nil, BatchStatus{}, errors.New("items must not be empty")
	}
	items := make([]types.SpeakableItem, len(args.Items))
	for i, it := range args.Items {
		items[i] = types.Message{Ref: types.Ref{Backend: it.Backend, Voice: it.Voice}, Text: it.Text}
	}
	interval := args.SaveInterval
	if interval <= 0 {
		interval = s.saveInterval()
	}
	job, err := s.jobs.Submit(args.Name, items, args.Backend, interval)
	if err != nil {
		return nil, BatchStatus{}, err
	}
	if err := s.jobs.Start(job.ID); err != nil {
		_ = s.jobs.Remove(job.ID)
		return nil, BatchStatus{}, err
	}
	s.log.Info("mcp: batch started", "job", job.ID, "items", len(items))
	return nil, statusOf(job), nil
}

func (s *Server) batchStatus(_ context.Context, _ *mcp.CallToolRequest, args BatchIDArgs) (*mcp.CallToolResult, BatchStatus, error) {
	job, err := s.jobs.Get(args.ID)
	if err != nil {
		return nil, BatchStatus{}, err
	}
	return nil, statusOf(job), nil
}

func (s *Server) cancelBatch(_ context.Context, _ *mcp.CallToolRequest, args BatchIDArgs) (*mcp.CallToolResult, BatchStatus, error) {
	if err := s.jobs.Cancel(args.ID); err != nil {
		return nil, BatchStatus{}, err
	}
	job, err := s.jobs.Get(args.ID)
	if err != nil {
		return nil, BatchStatus{}, err
	}
	return nil, statusOf(job), nil
}
