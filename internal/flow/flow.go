// Package flow builds parent/child job graphs whose parents dispatch
// only after every child completes.
package flow

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/tonglam/letletme-data-sub003/internal/job"
	"github.com/tonglam/letletme-data-sub003/internal/logger"
	"github.com/tonglam/letletme-data-sub003/internal/qerrors"
	"github.com/tonglam/letletme-data-sub003/internal/store"
)

// Node is one vertex of a flow tree. Children may target different
// queues than their parent.
type Node struct {
	QueueName string
	Payload   []byte
	Opts      job.Options
	Children  []*Node
}

// Service writes flow trees into the store and answers dependency
// queries about them
type Service struct {
	store *store.Store
	log   logger.Logger
}

// New creates a flow service over the given store
func New(st *store.Store) *Service {
	return &Service{
		store: st,
		log:   logger.Default().WithComponent(logger.ComponentFlow),
	}
}

// AddFlow writes a whole flow tree and returns the root job id. Parent
// records land first in waiting-children state with their child sets;
// leaves then enter waiting or delayed and start running immediately.
// Caller-supplied job ids are preserved, so replaying the same tree is
// idempotent node by node.
func (f *Service) AddFlow(ctx context.Context, root *Node) (string, error) {
	if root == nil {
		return "", qerrors.New(qerrors.KindFlow, "flow root cannot be nil")
	}
	if err := f.validate(root); err != nil {
		return "", err
	}

	jobs := f.buildJobs(root)

	if err := f.writeNode(ctx, root, jobs, nil); err != nil {
		return "", err
	}

	rootJob := jobs[root]
	f.log.Info("Flow added", "root_id", rootJob.ID, "queue", rootJob.Queue, "nodes", len(jobs))
	return rootJob.ID, nil
}

// validate walks the tree and rejects it before any write
func (f *Service) validate(n *Node) error {
	if n.QueueName == "" {
		return qerrors.New(qerrors.KindFlow, "flow node missing queue name")
	}
	if err := job.ValidateEnvelope(n.Payload); err != nil {
		return qerrors.Wrap(qerrors.KindFlow, "invalid flow node payload", err)
	}
	for _, child := range n.Children {
		if child == nil {
			return qerrors.New(qerrors.KindFlow, "flow node has nil child")
		}
		if err := f.validate(child); err != nil {
			return err
		}
	}
	return nil
}

// buildJobs assigns ids bottom-up and materializes a job per node
func (f *Service) buildJobs(n *Node) map[*Node]*job.Job {
	jobs := make(map[*Node]*job.Job)
	f.buildNode(n, jobs)
	return jobs
}

func (f *Service) buildNode(n *Node, jobs map[*Node]*job.Job) {
	for _, child := range n.Children {
		f.buildNode(child, jobs)
	}

	opts := n.Opts
	if opts.JobID == "" {
		opts.JobID = uuid.NewString()
	}

	var env job.Envelope
	// Validated above; name extraction cannot fail here
	_ = json.Unmarshal(n.Payload, &env)

	jobs[n] = job.New(n.QueueName, env.Name, n.Payload, opts)
}

// writeNode persists one node and recurses into its children. Parents
// are written before their children so a fast child completion always
// finds the pending counter in place.
func (f *Service) writeNode(ctx context.Context, n *Node, jobs map[*Node]*job.Job, parent *job.ParentRef) error {
	j := jobs[n]
	j.Opts.Parent = parent

	if len(n.Children) > 0 {
		j.State = job.StateWaitingChildren
	}

	created, err := f.store.Enqueue(ctx, j)
	if err != nil {
		return err
	}

	if len(n.Children) == 0 {
		return nil
	}

	if created {
		refs := make([]job.ParentRef, len(n.Children))
		for i, child := range n.Children {
			refs[i] = job.ParentRef{ID: jobs[child].ID, Queue: jobs[child].Queue}
		}
		if err := f.store.InitFlowParent(ctx, j.Queue, j.ID, refs); err != nil {
			return err
		}
	}

	ref := &job.ParentRef{ID: j.ID, Queue: j.Queue}
	for _, child := range n.Children {
		if err := f.writeNode(ctx, child, jobs, ref); err != nil {
			return err
		}
	}
	return nil
}

// Dependencies describes a job's immediate neighborhood in its flow
type Dependencies struct {
	// Parent is nil for root and standalone jobs
	Parent *job.Job
	// Children holds the direct children with their current states
	Children []*job.Job
}

// Dependencies returns the immediate parent and direct children of a job
func (f *Service) Dependencies(ctx context.Context, queue, id string) (*Dependencies, error) {
	j, err := f.store.GetJob(ctx, queue, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, qerrors.Newf(qerrors.KindFlow, "job %s not found", id).WithJob(queue, id)
	}

	deps := &Dependencies{}

	if j.Opts.Parent != nil {
		deps.Parent, err = f.store.GetJob(ctx, j.Opts.Parent.Queue, j.Opts.Parent.ID)
		if err != nil {
			return nil, err
		}
	}

	refs, err := f.store.FlowChildren(ctx, queue, id)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		child, err := f.store.GetJob(ctx, ref.Queue, ref.ID)
		if err != nil {
			return nil, err
		}
		if child != nil {
			deps.Children = append(deps.Children, child)
		}
	}

	return deps, nil
}

// ChildrenValues returns childId -> returnValue for completed children.
// The map is partial while children are still running.
func (f *Service) ChildrenValues(ctx context.Context, queue, id string) (map[string][]byte, error) {
	refs, err := f.store.FlowChildren(ctx, queue, id)
	if err != nil {
		return nil, err
	}

	values := make(map[string][]byte)
	for _, ref := range refs {
		child, err := f.store.GetJob(ctx, ref.Queue, ref.ID)
		if err != nil {
			return nil, err
		}
		if child != nil && child.State == job.StateCompleted {
			values[child.ID] = child.ReturnValue
		}
	}
	return values, nil
}
