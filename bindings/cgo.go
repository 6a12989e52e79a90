package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"unsafe"

	"github.com/nickyhof/ForkDB"
	"github.com/nickyhof/ForkDB/config"
	"github.com/nickyhof/ForkDB/core"
	"github.com/nickyhof/ForkDB/db"
	"github.com/nickyhof/ForkDB/op"
)

// Handle represents an open data directory
type Handle struct {
	mu       sync.Mutex
	instance *ForkDB.Instance

	// last experiment awaiting selection
	experiment *op.Experiment
	report     *op.Report
}

var (
	handlesMu  sync.Mutex
	handles    = make(map[int]*Handle)
	nextHandle = 1
)

// Response mirrors the server protocol for consistency
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Type    string          `json:"type,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type QueryResponse struct {
	World           string     `json:"world"`
	Columns         []string   `json:"columns"`
	Data            [][]string `json:"data"`
	RecordsRead     int        `json:"records_read"`
	ExecutionTimeMs float64    `json:"execution_time_ms"`
}

type MutationResponse struct {
	World           string  `json:"world"`
	AffectedRows    int64   `json:"affected_rows"`
	ExecutionTimeMs float64 `json:"execution_time_ms"`
}

// forkdb_open opens dataDir, creating an empty mainline when none exists.
// configPath may be empty. It returns -1 on failure.
//
//export forkdb_open
func forkdb_open(dataDir *C.char, configPath *C.char) C.int {
	cfg, err := config.Load(C.GoString(configPath))
	if err != nil {
		return -1
	}
	if dir := C.GoString(dataDir); dir != "" {
		cfg.DataDir = dir
	}

	if err := ForkDB.Init(context.Background(), cfg, ""); err != nil && !errors.Is(err, ForkDB.ErrAlreadyInitialized) {
		return -1
	}

	instance, err := ForkDB.Open(cfg)
	if err != nil {
		return -1
	}

	handlesMu.Lock()
	defer handlesMu.Unlock()

	handle := nextHandle
	nextHandle++
	handles[handle] = &Handle{instance: instance}

	return C.int(handle)
}

// forkdb_close rolls back live worlds and releases the data directory.
//
//export forkdb_close
func forkdb_close(handle C.int) {
	handlesMu.Lock()
	h, ok := handles[int(handle)]
	delete(handles, int(handle))
	handlesMu.Unlock()

	if ok {
		h.mu.Lock()
		defer h.mu.Unlock()
		_ = h.instance.Close()
	}
}

//export forkdb_branch
func forkdb_branch(handle C.int, parent *C.char, description *C.char) *C.char {
	return withHandle(handle, func(instance *ForkDB.Instance) Response {
		id, err := instance.Branch(C.GoString(parent), C.GoString(description))
		if err != nil {
			return errorResponse("branch", err)
		}
		return resultResponse("branch", map[string]string{"world": id})
	})
}

//export forkdb_execute
func forkdb_execute(handle C.int, world *C.char, query *C.char) *C.char {
	worldID := C.GoString(world)
	if worldID == "" {
		worldID = core.MainlineID
	}
	text := C.GoString(query)

	return withHandle(handle, func(instance *ForkDB.Instance) Response {
		entry, err := instance.Execute(context.Background(), worldID, text)
		if err != nil {
			return errorResponse(string(entry.Kind), err)
		}

		timeMs := float64(entry.Duration.Microseconds()) / 1000
		if entry.Kind == core.QueryKind {
			data := make([][]string, len(entry.Rows))
			for i, row := range entry.Rows {
				data[i] = db.FormatRow(row)
			}
			return resultResponse("query", QueryResponse{
				World:           worldID,
				Columns:         entry.Columns,
				Data:            data,
				RecordsRead:     entry.RowCount,
				ExecutionTimeMs: timeMs,
			})
		}
		return resultResponse("mutation", MutationResponse{
			World:           worldID,
			AffectedRows:    entry.AffectedRows,
			ExecutionTimeMs: timeMs,
		})
	})
}

//export forkdb_commit
func forkdb_commit(handle C.int, world *C.char) *C.char {
	worldID := C.GoString(world)
	return withHandle(handle, func(instance *ForkDB.Instance) Response {
		if err := instance.Commit(worldID); err != nil {
			return errorResponse("commit", err)
		}
		return resultResponse("commit", map[string]string{"world": worldID})
	})
}

//export forkdb_rollback
func forkdb_rollback(handle C.int, world *C.char) *C.char {
	worldID := C.GoString(world)
	return withHandle(handle, func(instance *ForkDB.Instance) Response {
		if err := instance.Rollback(worldID); err != nil {
			return errorResponse("rollback", err)
		}
		return resultResponse("rollback", map[string]string{"world": worldID})
	})
}

//export forkdb_worlds
func forkdb_worlds(handle C.int) *C.char {
	return withHandle(handle, func(instance *ForkDB.Instance) Response {
		return resultResponse("worlds", instance.Worlds())
	})
}

// forkdb_experiment answers a question with the configured oracles and
// returns the experiment report. Without auto-commit the run waits for
// forkdb_select.
//
//export forkdb_experiment
func forkdb_experiment(handle C.int, question *C.char, planFile *C.char, autoCommit C.int) *C.char {
	q := C.GoString(question)
	plan := C.GoString(planFile)

	return withLockedHandle(handle, func(h *Handle) Response {
		return h.runExperiment(context.Background(), q, plan, autoCommit != 0)
	})
}

// forkdb_select commits a world of the last experiment and rolls back the
// rest. An empty world takes the recommendation.
//
//export forkdb_select
func forkdb_select(handle C.int, world *C.char) *C.char {
	worldID := C.GoString(world)
	return withLockedHandle(handle, func(h *Handle) Response {
		return h.selectWorld(worldID)
	})
}

//export forkdb_free
func forkdb_free(ptr *C.char) {
	C.free(unsafe.Pointer(ptr))
}

func withHandle(handle C.int, fn func(instance *ForkDB.Instance) Response) *C.char {
	return withLockedHandle(handle, func(h *Handle) Response {
		return fn(h.instance)
	})
}

func withLockedHandle(handle C.int, fn func(h *Handle) Response) *C.char {
	handlesMu.Lock()
	h, ok := handles[int(handle)]
	handlesMu.Unlock()

	if !ok {
		return encode(Response{Success: false, Error: "Invalid handle"})
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return encode(fn(h))
}

func errorResponse(typ string, err error) Response {
	return Response{Success: false, Type: typ, Error: err.Error()}
}

func resultResponse(typ string, result any) Response {
	data, err := json.Marshal(result)
	if err != nil {
		return errorResponse(typ, err)
	}
	return Response{Success: true, Type: typ, Result: data}
}

func encode(resp Response) *C.char {
	jsonData, _ := json.Marshal(resp)
	return C.CString(string(jsonData))
}

func main() {}
