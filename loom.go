// Package loom provides a workflow execution engine for Go applications.
//
// Loom runs workflow graphs level by level: nodes are dispatched as
// asynchronous tasks, their completions are reconciled back into durable
// run state, and branching, human confirmation pauses, LLM output
// correction, and recursive task fan-out all fall out of the same
// storage-driven polling model. Progress lives entirely in the row store,
// so a restarted process picks runs back up where they stopped.
//
// Basic usage:
//
//	eng, err := loom.New(loom.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	eng.Start(context.Background())
//	defer eng.Stop()
//
//	result, err := eng.RunAndWait(ctx, &loom.StartRequest{
//	    WorkflowID: "wf-123",
//	    Graph:      graphJSON,
//	    Inputs:     loom.NewObjectVariable("inputs", nil),
//	}, time.Minute)
package loom

import (
	"context"
	"fmt"

	"github.com/loomrun/loom/internal/adapters/engine"
	"github.com/loomrun/loom/internal/adapters/files"
	"github.com/loomrun/loom/internal/adapters/llm"
	"github.com/loomrun/loom/internal/adapters/notify"
	"github.com/loomrun/loom/internal/adapters/results"
	"github.com/loomrun/loom/internal/adapters/storage"
	"github.com/loomrun/loom/internal/domain"
	"github.com/loomrun/loom/internal/ports"
)

// Engine is the workflow engine: it owns the worker pool and the dispatch
// and completion pollers, and exposes the run operations.
type Engine = engine.Engine

// StartRequest describes a new workflow run.
type StartRequest = engine.StartRequest

// RunResult is the terminal outcome of a run.
type RunResult = engine.RunResult

// DebugNodeRequest runs one node in isolation during workflow authoring.
type DebugNodeRequest = engine.DebugNodeRequest

// WorkflowRun is the persisted progress record of one execution.
type WorkflowRun = domain.WorkflowRun

// NodeExecution is one recorded attempt to run a node within a run.
type NodeExecution = domain.NodeExecution

// ConfirmerAssignment binds a user to a human node on published runs.
type ConfirmerAssignment = domain.ConfirmerAssignment

// Graph is a validated workflow graph of nodes and leveled edges.
type Graph = domain.Graph

type Node = domain.Node

type Edge = domain.Edge

type NodeData = domain.NodeData

type ModelConfig = domain.ModelConfig

// Variable is the typed value tree flowing between nodes.
type Variable = domain.Variable

type VarType = domain.VarType

const (
	VarTypeString = domain.VarTypeString
	VarTypeNumber = domain.VarTypeNumber
	VarTypeJSON   = domain.VarTypeJSON
	VarTypeFile   = domain.VarTypeFile
	VarTypeObject = domain.VarTypeObject
	VarTypeArray  = domain.VarTypeArray
)

// TaskTree is the hierarchy a task-generation node produces.
type TaskTree = domain.TaskTree

type RunStatus = domain.RunStatus

const (
	RunStatusQueued    = domain.RunStatusQueued
	RunStatusRunning   = domain.RunStatusRunning
	RunStatusSucceeded = domain.RunStatusSucceeded
	RunStatusFailed    = domain.RunStatusFailed
)

type ExecStatus = domain.ExecStatus

const (
	ExecStatusStarted   = domain.ExecStatusStarted
	ExecStatusSucceeded = domain.ExecStatusSucceeded
	ExecStatusFailed    = domain.ExecStatusFailed
)

type RunType = domain.RunType

const (
	RunTypeManual    = domain.RunTypeManual
	RunTypePublished = domain.RunTypePublished
)

type NodeType = domain.NodeType

const (
	NodeTypeStart          = domain.NodeTypeStart
	NodeTypeLLM            = domain.NodeTypeLLM
	NodeTypeAgent          = domain.NodeTypeAgent
	NodeTypeSkill          = domain.NodeTypeSkill
	NodeTypeHuman          = domain.NodeTypeHuman
	NodeTypeEnd            = domain.NodeTypeEnd
	NodeTypeCondition      = domain.NodeTypeCondition
	NodeTypeCustomCode     = domain.NodeTypeCustomCode
	NodeTypeTaskGeneration = domain.NodeTypeTaskGeneration
	NodeTypeTaskExecution  = domain.NodeTypeTaskExecution
)

// Store is the storage surface the engine depends on. Bring your own
// implementation through NewWithPorts to back the engine with a custom
// row store.
type Store = ports.Store

type ResultChannel = ports.ResultChannel

type NotificationSink = ports.NotificationSink

type LLMClient = ports.LLMClient

type FileService = ports.FileService

// NodeExecutor runs one node type; custom executors are installed through
// Engine.Registry before Start.
type NodeExecutor = engine.NodeExecutor

var (
	NewStringVariable = domain.NewStringVariable
	NewNumberVariable = domain.NewNumberVariable
	NewFileVariable   = domain.NewFileVariable
	NewObjectVariable = domain.NewObjectVariable
	NewArrayVariable  = domain.NewArrayVariable
	NewGraph          = domain.NewGraph
	GraphFromJSON     = domain.GraphFromJSON
)

// New builds an engine from configuration, constructing the storage,
// result channel, notification, and LLM adapters the config names.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}
	resultCh, err := newResults(cfg)
	if err != nil {
		return nil, err
	}
	sink, err := newNotify(cfg)
	if err != nil {
		return nil, err
	}

	var llmClient ports.LLMClient
	if cfg.LLM.APIKey != "" {
		llmClient = llm.NewOpenAIClient(cfg.LLM)
	}
	var fileSvc ports.FileService
	if cfg.Storage.DataDir != "" {
		fileSvc = files.NewLocalService(cfg.Storage.DataDir)
	}

	return engine.New(cfg, store, resultCh, sink, llmClient, fileSvc), nil
}

// NewWithPorts builds an engine on caller-supplied adapters instead of the
// config-driven ones.
func NewWithPorts(cfg *Config, store Store, resultCh ResultChannel, sink NotificationSink, llmClient LLMClient, fileSvc FileService) *Engine {
	return engine.New(cfg, store, resultCh, sink, llmClient, fileSvc)
}

func newStore(cfg *Config) (ports.Store, error) {
	switch cfg.Storage.Driver {
	case domain.StorageMemory, "":
		return storage.NewMemoryStore(), nil
	case domain.StorageBadger:
		return storage.NewBadgerStore(cfg.Storage.DataDir)
	case domain.StoragePostgres:
		return storage.NewPostgresStore(context.Background(), cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func newResults(cfg *Config) (ports.ResultChannel, error) {
	switch cfg.Results.Driver {
	case "memory", "":
		return results.NewMemoryChannel(), nil
	case "redis":
		return results.NewRedisChannel(cfg.Results)
	default:
		return nil, fmt.Errorf("unknown results driver %q", cfg.Results.Driver)
	}
}

func newNotify(cfg *Config) (ports.NotificationSink, error) {
	switch cfg.Notify.Driver {
	case "memory", "":
		return notify.NewMemorySink(), nil
	case "redis":
		return notify.NewRedisSink(cfg.Notify)
	default:
		return nil, fmt.Errorf("unknown notify driver %q", cfg.Notify.Driver)
	}
}
