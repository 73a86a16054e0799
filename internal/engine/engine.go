// Package engine runs a request through the whole pipeline: compile the
// formulas, formalize the query, plan tiers, render SQL, execute through
// the result cache and postprocess the rows.
package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	errors "gopkg.in/src-d/go-errors.v1"

	"github.com/atlekbai/formula_engine/internal/capability"
	"github.com/atlekbai/formula_engine/internal/compiler"
	"github.com/atlekbai/formula_engine/internal/dataset"
	"github.com/atlekbai/formula_engine/internal/dialect"
	"github.com/atlekbai/formula_engine/internal/exec"
	"github.com/atlekbai/formula_engine/internal/formula"
	"github.com/atlekbai/formula_engine/internal/physical"
	"github.com/atlekbai/formula_engine/internal/planner"
	"github.com/atlekbai/formula_engine/internal/postprocess"
	"github.com/atlekbai/formula_engine/internal/query"
	"github.com/atlekbai/formula_engine/internal/schema"
	"github.com/atlekbai/formula_engine/internal/translate"
	"github.com/atlekbai/formula_engine/internal/validate"
)

// ErrNoRunner is returned by Execute on an engine that only compiles.
var ErrNoRunner = errors.NewKind("engine has no runner")

// ValuePlaceholder in a select template stands for the value of its formula.
const ValuePlaceholder = "{value}"

type Select struct {
	Formula string `json:"formula" yaml:"formula"`
	Title   string `json:"title,omitempty" yaml:"title,omitempty"`
	// Template renders the value as text, e.g. "{value} USD".
	Template string `json:"template,omitempty" yaml:"template,omitempty"`
}

type Order struct {
	Formula string `json:"formula" yaml:"formula"`
	Desc    bool   `json:"desc,omitempty" yaml:"desc,omitempty"`
}

// Request is one query against the engine's dataset.
type Request struct {
	Select  []Select `json:"select" yaml:"select"`
	Filters []string `json:"filters,omitempty" yaml:"filters,omitempty"`
	OrderBy []Order  `json:"order_by,omitempty" yaml:"order_by,omitempty"`
	Limit   int      `json:"limit,omitempty" yaml:"limit,omitempty"`
	Offset  int      `json:"offset,omitempty" yaml:"offset,omitempty"`
	// Updates are applied to a copy of the dataset for this request only.
	Updates []dataset.Update `json:"updates,omitempty" yaml:"updates,omitempty"`
	// ValueRange returns raw statement columns without legend restoration.
	ValueRange bool `json:"value_range,omitempty" yaml:"value_range,omitempty"`
	NoCache    bool `json:"no_cache,omitempty" yaml:"no_cache,omitempty"`
}

type Column struct {
	ID    string          `json:"id"`
	Title string          `json:"title"`
	Type  schema.DataType `json:"type"`
}

type Response struct {
	Columns    []Column       `json:"columns"`
	Rows       [][]any        `json:"rows"`
	Situation  exec.Situation `json:"situation"`
	Statements int            `json:"statements"`
}

// Compilation is everything compiled for one request.
type Compilation struct {
	Spec       *query.QuerySpec
	MultiQuery *planner.MultiQuery
	Plan       *physical.Plan
	Legend     []postprocess.LegendItem
	Columns    []Column
	Mutations  []exec.Mutation
}

// Engine compiles and executes requests against one dataset.
type Engine struct {
	Dataset *dataset.Dataset
	Sources compiler.Sources
	// Source is the dialect of the source database.
	Source        *dialect.Dialect
	Planner       *planner.Planner
	Runner        *exec.Runner
	Parser        *formula.ParseCache
	CollectErrors bool
	Log           logrus.FieldLogger
}

func New(ds *dataset.Dataset, sources compiler.Sources, source *dialect.Dialect) (*Engine, error) {
	parser, err := formula.NewParseCache(formula.NewParser(capability.Default()), formula.DefaultParseCacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		Dataset: ds,
		Sources: sources,
		Source:  source,
		Planner: planner.New(planner.StrategyBorderline),
		Parser:  parser,
		Log:     logrus.StandardLogger(),
	}, nil
}

// Compile turns req into an executable plan.
func (e *Engine) Compile(ctx context.Context, req *Request) (*Compilation, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "engine.Compile")
	defer span.Finish()

	ds, err := e.Dataset.Apply(req.Updates)
	if err != nil {
		return nil, err
	}
	c, err := compiler.New(ds, e.Sources, e.Parser)
	if err != nil {
		return nil, err
	}
	c.CollectErrors = e.CollectErrors

	block, err := e.block(ctx, c, req)
	if err != nil {
		return nil, err
	}
	spec, err := query.MakeQuerySpec(block, c.Dataset(), c.Columns(), e.Source)
	if err != nil {
		return nil, err
	}

	mq, err := e.plan(ctx, c, spec)
	if err != nil {
		return nil, err
	}

	assembler := &physical.Assembler{
		Columns:       c.Columns(),
		Source:        e.Source,
		Local:         dialect.Local(),
		CollectErrors: e.CollectErrors,
	}
	plan, err := assembler.Assemble(mq)
	if err != nil {
		return nil, err
	}

	comp := &Compilation{Spec: spec, MultiQuery: mq, Plan: plan}
	comp.Legend, comp.Columns = legend(req, spec, plan)
	for _, u := range req.Updates {
		comp.Mutations = append(comp.Mutations, exec.Mutation{
			Op:    string(u.Action),
			Key:   u.Field.ID,
			Value: fmt.Sprintf("%+v", u.Field),
		})
	}

	e.logger().WithFields(logrus.Fields{
		"dataset":    ds.ID,
		"statements": len(plan.Queries),
	}).Debug("compiled request")
	return comp, nil
}

func (e *Engine) block(ctx context.Context, c *compiler.Compiler, req *Request) (*query.BlockSpec, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "engine.compileFormulas")
	defer span.Finish()

	block := &query.BlockSpec{Limit: req.Limit, Offset: req.Offset}
	for _, s := range req.Select {
		out, err := c.Compile(s.Formula)
		if err != nil {
			return nil, err
		}
		title := s.Title
		if title == "" {
			title = s.Formula
		}
		block.Select = append(block.Select, query.Expr{Title: title, Compiled: out})
	}
	for _, f := range req.Filters {
		out, err := c.Compile(f)
		if err != nil {
			return nil, err
		}
		block.Filters = append(block.Filters, out)
	}
	for _, o := range req.OrderBy {
		out, err := c.Compile(o.Formula)
		if err != nil {
			return nil, err
		}
		block.OrderBy = append(block.OrderBy, query.OrderExpr{Expr: query.Expr{Title: o.Formula, Compiled: out}, Desc: o.Desc})
	}
	return block, nil
}

func (e *Engine) plan(ctx context.Context, c *compiler.Compiler, spec *query.QuerySpec) (*planner.MultiQuery, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "engine.plan")
	defer span.Finish()

	mq, err := planner.Build(spec, c.Dataset(), c.Columns(), c, c.Arena())
	if err != nil {
		return nil, err
	}
	p := e.Planner
	if p == nil {
		p = planner.New(planner.StrategyBorderline)
	}
	mq, err = p.Plan(mq)
	if err != nil {
		return nil, err
	}
	span.SetTag("sub-queries", len(mq.Queries))
	return mq, nil
}

func legend(req *Request, spec *query.QuerySpec, plan *physical.Plan) ([]postprocess.LegendItem, []Column) {
	top := plan.Top()
	types := make(map[string]schema.DataType, len(top.Columns))
	for _, c := range top.Columns {
		types[c.ID] = c.Type
	}

	if req.ValueRange {
		cols := make([]Column, len(top.Columns))
		for i, c := range top.Columns {
			cols[i] = Column{ID: c.ID, Type: c.Type}
			if it := spec.Item(c.ID); it != nil {
				cols[i].Title = it.Title
			}
		}
		return nil, cols
	}

	items := make([]postprocess.LegendItem, len(spec.Legend))
	cols := make([]Column, len(spec.Legend))
	for i, id := range spec.Legend {
		sel := req.Select[i]
		items[i] = postprocess.LegendItem{ItemID: id}
		cols[i] = Column{ID: id, Title: sel.Title, Type: types[id]}
		if cols[i].Title == "" {
			cols[i].Title = sel.Formula
		}
		if sel.Template != "" {
			items[i].Template = strings.ReplaceAll(sel.Template, ValuePlaceholder, "{"+id+"}")
			cols[i].Type = schema.TypeString
		}
	}
	return items, cols
}

// Execute compiles req, runs the plan and returns the postprocessed rows.
func (e *Engine) Execute(ctx context.Context, req *Request) (*Response, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "engine.Execute")
	defer span.Finish()

	if e.Runner == nil {
		return nil, ErrNoRunner.New()
	}
	comp, err := e.Compile(ctx, req)
	if err != nil {
		return nil, err
	}

	r := *e.Runner
	r.Options.Namespace = e.Dataset.ID
	r.Options.Mutations = append(r.Options.Mutations[:len(r.Options.Mutations):len(r.Options.Mutations)], comp.Mutations...)
	if req.NoCache {
		r.Options.Disabled = true
	}
	report, err := r.Run(ctx, comp.Plan)
	if err != nil {
		return nil, err
	}

	rows, err := postprocess.Postprocess(report.Result.Rows, report.Result.Columns, comp.Legend, req.ValueRange)
	if err != nil {
		return nil, err
	}
	span.SetTag("situation", string(report.Situation))
	e.logger().WithFields(logrus.Fields{
		"rows":      len(rows),
		"situation": report.Situation,
	}).Debug("executed request")

	return &Response{
		Columns:    comp.Columns,
		Rows:       rows,
		Situation:  report.Situation,
		Statements: len(report.Statements),
	}, nil
}

// IsUserError reports whether err is caused by the request rather than by
// the engine or an execution tier.
func IsUserError(err error) bool {
	var (
		parseErr       *formula.ParseError
		clauseErr      *capability.ParseClauseError
		translationErr *translate.TranslationError
		validationErr  *validate.ValidationError
	)
	switch {
	case stderrors.As(err, &parseErr),
		stderrors.As(err, &clauseErr),
		stderrors.As(err, &translationErr),
		stderrors.As(err, &validationErr):
		return true
	}
	for _, k := range userKinds {
		if k.Is(err) {
			return true
		}
	}
	return false
}

var userKinds = []*errors.Kind{
	dataset.ErrUnknownField,
	dataset.ErrInvalidUpdate,
	dataset.ErrInvalidDataset,
	compiler.ErrFieldCycle,
	query.ErrEmptySelect,
	query.ErrInvalidLimit,
	query.ErrUnresolvedColumn,
	planner.ErrLODGrain,
	planner.ErrLookupDimension,
	planner.ErrUnsupportedNesting,
	dialect.ErrConstantRequired,
	dialect.ErrInvalidArgument,
}

func (e *Engine) logger() logrus.FieldLogger {
	if e.Log == nil {
		return logrus.StandardLogger()
	}
	return e.Log
}
