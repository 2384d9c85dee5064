// Package pipeline turns confirmed search text into formatted records through
// five fixed stages: correct, generate, validate, execute, format.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voicesearch/internal/fault"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	LabelComplete   = "Complete"
	PercentComplete = 100
)

type stage struct {
	name    string
	label   string
	percent int
	// kind classifies a panic recovered from run.
	kind fault.Kind
	run  func(context.Context, *Context)
}

type Options struct {
	Schema     Schema
	MaxResults int
	Formatter  *Formatter
}

type Pipeline struct {
	corrector Corrector
	generator QueryGenerator
	executor  Executor
	formatter *Formatter
	schema    Schema
	limit     int
	log       *slog.Logger

	stages [5]stage

	tracer    trace.Tracer
	runs      metric.Int64Counter
	stageTime metric.Float64Histogram
}

func New(corrector Corrector, generator QueryGenerator, executor Executor, opts Options, log *slog.Logger) *Pipeline {
	if opts.Formatter == nil {
		opts.Formatter = NewFormatter("en", "VND")
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 20
	}
	p := &Pipeline{
		corrector: corrector,
		generator: generator,
		executor:  executor,
		formatter: opts.Formatter,
		schema:    opts.Schema,
		limit:     opts.MaxResults,
		log:       log.With(slog.String("component", "pipeline")),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-voicesearch/pipeline"),
	}
	p.stages = [5]stage{
		{name: "correct_text", label: "Correcting text", percent: 20, kind: fault.KindCorrection, run: p.correctText},
		{name: "generate_query", label: "Generating query", percent: 40, kind: fault.KindQueryGeneration, run: p.generateQuery},
		{name: "validate_query", label: "Validating query", percent: 60, kind: fault.KindQueryValidation, run: p.validateQuery},
		{name: "execute_query", label: "Searching catalog", percent: 80, kind: fault.KindStorage, run: p.executeQuery},
		{name: "format_results", label: "Formatting results", percent: 90, kind: fault.KindFormat, run: p.formatResults},
	}

	meter := otel.Meter("github.com/loqalabs/loqa-voicesearch/pipeline")
	var err error
	if p.runs, err = meter.Int64Counter("voicesearch.pipeline.runs",
		metric.WithDescription("Pipeline runs by outcome")); err != nil {
		p.log.Warn("failed to create runs counter", slogError(err))
	}
	if p.stageTime, err = meter.Float64Histogram("voicesearch.pipeline.stage.duration",
		metric.WithDescription("Stage latency"), metric.WithUnit("s")); err != nil {
		p.log.Warn("failed to create stage histogram", slogError(err))
	}
	return p
}

// Run executes every stage in order and always returns the context. A stage
// failure is reported in Context.Err and stops further progress; ctx is
// checked at each stage boundary.
func (p *Pipeline) Run(ctx context.Context, sessionID, text string, hooks Hooks) *Context {
	pc := &Context{SessionID: sessionID, Original: text}

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	for i := range p.stages {
		st := &p.stages[i]
		if pc.Err != nil {
			break
		}
		if err := ctx.Err(); err != nil {
			pc.Err = err
			break
		}
		p.runStage(ctx, st, pc)
		if pc.Err == nil {
			hooks.progress(st.label, st.percent)
		}
	}

	outcome := "ok"
	if pc.Err != nil {
		outcome = fault.KindOf(pc.Err).String()
		span.RecordError(pc.Err)
		span.SetStatus(codes.Error, outcome)
		p.log.Warn("search failed", slog.String("session_id", sessionID), slog.String("kind", outcome), slogError(pc.Err))
	} else {
		hooks.progress(LabelComplete, PercentComplete)
		p.log.Info("search completed", slog.String("session_id", sessionID), slog.Int("rows", len(pc.Result.Rows())))
	}
	if p.runs != nil {
		p.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	return pc
}

func (p *Pipeline) runStage(ctx context.Context, st *stage, pc *Context) {
	ctx, span := p.tracer.Start(ctx, "pipeline."+st.name)
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			pc.Err = &fault.Error{Kind: st.kind, Op: st.name, Err: fmt.Errorf("panic: %v", r)}
		}
		if pc.Err != nil {
			span.RecordError(pc.Err)
			span.SetStatus(codes.Error, st.name)
		}
		span.End()
		if p.stageTime != nil {
			p.stageTime.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(attribute.String("stage", st.name)))
		}
	}()
	st.run(ctx, pc)
}

// correctText degrades to the original text when the corrector fails.
func (p *Pipeline) correctText(ctx context.Context, pc *Context) {
	pc.Corrected = pc.Original
	if p.corrector == nil || strings.TrimSpace(pc.Original) == "" {
		return
	}
	corrected, err := p.correct(ctx, pc.Original)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			pc.Err = ctxErr
			return
		}
		p.log.Warn("text correction failed, using original text",
			slog.String("session_id", pc.SessionID), slogError(fault.Correction("correct", err)))
		return
	}
	if corrected = strings.TrimSpace(corrected); corrected != "" {
		pc.Corrected = corrected
	}
}

// correct turns a corrector panic into an ordinary correction failure so
// it degrades like any other.
func (p *Pipeline) correct(ctx context.Context, text string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = "", fmt.Errorf("corrector panic: %v", r)
		}
	}()
	return p.corrector.Correct(ctx, text)
}

func (p *Pipeline) generateQuery(ctx context.Context, pc *Context) {
	query, err := p.generator.Generate(ctx, pc.Corrected, p.schema, p.limit)
	if err != nil {
		pc.Err = fault.QueryGeneration("generate", err)
		return
	}
	pc.Query = query
}

func (p *Pipeline) validateQuery(_ context.Context, pc *Context) {
	query := strings.TrimSpace(pc.Query)
	if query == "" {
		pc.Err = fault.QueryValidation("validate", "generated query is blank")
		return
	}
	pc.Query = query
	pc.Validated = true
}

func (p *Pipeline) executeQuery(ctx context.Context, pc *Context) {
	resp, err := p.executor.Execute(ctx, pc.Query)
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			pc.Err = err
		} else {
			pc.Err = fault.Storage("execute", err)
		}
		return
	}
	result := Normalize(resp)
	pc.Result = result
	if !result.IsOk() {
		pc.Err = fault.StorageMessage("execute", result.Message())
	}
}

func (p *Pipeline) formatResults(_ context.Context, pc *Context) {
	formatted, err := p.formatter.Format(pc.Result.Rows())
	if err != nil {
		pc.Err = err
		return
	}
	pc.Formatted = formatted
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
