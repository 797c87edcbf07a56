package core

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino/compose"

	"taskflow/internal/metrics"
)

const (
	nodeValidate = "validate"
	nodeAcquire  = "acquire"
	nodeCommit   = "commit"
)

// Processor runs every mutation through a compiled eino graph:
//
//	START -> validate -> acquire -> commit -> END
//
// validate resolves and checks the entities involved, acquire takes the
// project lock and reloads them, commit applies the change to the store and
// the dependency graph and emits the envelopes.
type Processor struct {
	runnable compose.Runnable[*mutationState, *MutationResult]
}

// NewProcessor compiles the mutation graph around svc
func NewProcessor(ctx context.Context, svc *Service) (*Processor, error) {
	g := compose.NewGraph[*mutationState, *MutationResult]()

	validate := compose.InvokableLambda(func(ctx context.Context, st *mutationState) (*mutationState, error) {
		if st.err != nil {
			return st, nil
		}
		return svc.validate(ctx, st), nil
	})

	acquire := compose.InvokableLambda(func(ctx context.Context, st *mutationState) (*mutationState, error) {
		if st.err != nil {
			return st, nil
		}
		return svc.acquire(ctx, st), nil
	})

	commit := compose.InvokableLambda(func(ctx context.Context, st *mutationState) (*MutationResult, error) {
		if st.err != nil {
			return &MutationResult{}, nil
		}
		res, err := svc.commit(ctx, st)
		if err != nil {
			st.err = err
			return &MutationResult{}, nil
		}
		return res, nil
	})

	if err := g.AddLambdaNode(nodeValidate, validate); err != nil {
		return nil, fmt.Errorf("failed to add validate node: %w", err)
	}
	if err := g.AddLambdaNode(nodeAcquire, acquire); err != nil {
		return nil, fmt.Errorf("failed to add acquire node: %w", err)
	}
	if err := g.AddLambdaNode(nodeCommit, commit); err != nil {
		return nil, fmt.Errorf("failed to add commit node: %w", err)
	}

	if err := g.AddEdge(compose.START, nodeValidate); err != nil {
		return nil, fmt.Errorf("failed to add start edge: %w", err)
	}
	if err := g.AddEdge(nodeValidate, nodeAcquire); err != nil {
		return nil, fmt.Errorf("failed to add validate to acquire edge: %w", err)
	}
	if err := g.AddEdge(nodeAcquire, nodeCommit); err != nil {
		return nil, fmt.Errorf("failed to add acquire to commit edge: %w", err)
	}
	if err := g.AddEdge(nodeCommit, compose.END); err != nil {
		return nil, fmt.Errorf("failed to add end edge: %w", err)
	}

	runnable, err := g.Compile(ctx, compose.WithGraphName("mutation"))
	if err != nil {
		return nil, fmt.Errorf("failed to compile mutation graph: %w", err)
	}
	return &Processor{runnable: runnable}, nil
}

// Execute runs one mutation. The project lock taken by the acquire node is
// always released before Execute returns.
func (p *Processor) Execute(ctx context.Context, m Mutation) (*MutationResult, error) {
	start := time.Now()
	defer func() {
		metrics.MutationDuration.WithLabelValues(string(m.Kind)).Observe(time.Since(start).Seconds())
	}()

	st := &mutationState{Mutation: m}
	defer func() {
		if st.release != nil {
			st.release()
		}
	}()

	res, err := p.runnable.Invoke(ctx, st)
	if st.err != nil {
		return nil, st.err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to run mutation %s: %w", m.Kind, err)
	}
	if res == nil {
		return nil, fmt.Errorf("mutation %s produced no result", m.Kind)
	}
	return res, nil
}
