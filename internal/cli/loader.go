package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/atlekbai/formula_engine/internal/dataset"
	"github.com/atlekbai/formula_engine/internal/dialect"
	"github.com/atlekbai/formula_engine/internal/engine"
	"github.com/atlekbai/formula_engine/internal/planner"
	"github.com/atlekbai/formula_engine/internal/schema"
)

// requestOptions are the flags that describe an engine and one request.
type requestOptions struct {
	DatasetPath string
	SourcesPath string
	RequestPath string
	Dialect     string
	Strategy    string

	Select  []string
	Filters []string
	Order   []string
	Limit   int
	Offset  int
}

func (o *requestOptions) addFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.DatasetPath, "dataset", "dataset.yaml", "dataset description (YAML)")
	f.StringVar(&o.SourcesPath, "sources", "", "source table definitions (YAML)")
	f.StringVar(&o.RequestPath, "request", "", "request file (YAML); overrides --select, --filter and --order")
	f.StringVar(&o.Dialect, "dialect", dialect.PostgreSQL, "source database dialect")
	f.StringVar(&o.Strategy, "strategy", string(planner.StrategyBorderline), "planner strategy (borderline|coarse)")
	f.StringArrayVarP(&o.Select, "select", "s", nil, "formula to select; repeatable")
	f.StringArrayVar(&o.Filters, "filter", nil, "boolean filter formula; repeatable")
	f.StringArrayVar(&o.Order, "order", nil, "order formula, prefixed with - for descending; repeatable")
	f.IntVar(&o.Limit, "limit", 0, "maximum number of rows")
	f.IntVar(&o.Offset, "offset", 0, "rows to skip")
}

// request builds the engine request from the request file or the flags.
func (o *requestOptions) request() (*engine.Request, error) {
	if o.RequestPath != "" {
		data, err := os.ReadFile(o.RequestPath)
		if err != nil {
			return nil, fmt.Errorf("read request: %w", err)
		}
		var req engine.Request
		if err := yaml.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("parse request %s: %w", o.RequestPath, err)
		}
		return &req, nil
	}

	if len(o.Select) == 0 {
		return nil, fmt.Errorf("at least one --select formula is required")
	}
	req := &engine.Request{
		Filters: o.Filters,
		Limit:   o.Limit,
		Offset:  o.Offset,
	}
	for _, s := range o.Select {
		req.Select = append(req.Select, engine.Select{Formula: s})
	}
	for _, s := range o.Order {
		if f, ok := strings.CutPrefix(s, "-"); ok {
			req.OrderBy = append(req.OrderBy, engine.Order{Formula: f, Desc: true})
			continue
		}
		req.OrderBy = append(req.OrderBy, engine.Order{Formula: s})
	}
	return req, nil
}

// engine loads the dataset and sources and builds an engine without a runner.
func (o *requestOptions) engine(sources *schema.Cache) (*engine.Engine, error) {
	f, err := os.Open(o.DatasetPath)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	ds, err := dataset.Load(f)
	f.Close()
	if err != nil {
		return nil, err
	}

	if sources == nil {
		if o.SourcesPath == "" {
			return nil, fmt.Errorf("--sources is required without a database")
		}
		sf, err := os.Open(o.SourcesPath)
		if err != nil {
			return nil, fmt.Errorf("open sources: %w", err)
		}
		sources, err = schema.LoadSources(sf)
		sf.Close()
		if err != nil {
			return nil, err
		}
	}

	d, err := dialect.Get(o.Dialect)
	if err != nil {
		return nil, err
	}
	strategy, err := planner.ParseStrategy(o.Strategy)
	if err != nil {
		return nil, err
	}

	e, err := engine.New(ds, sources, d)
	if err != nil {
		return nil, err
	}
	e.Planner = planner.New(strategy)
	return e, nil
}
