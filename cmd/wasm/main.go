//go:build js && wasm

package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"syscall/js"

	"github.com/hack-pad/hackpadfs/indexeddb"

	"github.com/kittclouds/kittgraph/internal/app"
	"github.com/kittclouds/kittgraph/internal/config"
	"github.com/kittclouds/kittgraph/internal/logging"
	"github.com/kittclouds/kittgraph/internal/registry"
	"github.com/kittclouds/kittgraph/internal/settings"
	"github.com/kittclouds/kittgraph/internal/store"
)

// Global state
var (
	graph *app.App
	// lifecycle serializes open and close, which yield while waiting on IndexedDB.
	lifecycle sync.Mutex
)

var errNotOpen = errors.New("graph not opened; call open() first")

func main() {
	println("[KittGraph] WASM Ready v" + app.Version)

	js.Global().Set("KittGraph", js.ValueOf(map[string]interface{}{
		"version": js.FuncOf(getVersion),
		// Lifecycle (return promises)
		"open":          js.FuncOf(open),
		"close":         js.FuncOf(closeGraph),
		"compact":       js.FuncOf(compact),
		"exportBackup":  js.FuncOf(exportBackup),
		"importBackup":  js.FuncOf(importBackup),
		"subscribe":     js.FuncOf(subscribe),
		"stats":         js.FuncOf(stats),
		"detailedStats": js.FuncOf(detailedStats),
		// Entities
		"registerEntity": js.FuncOf(registerEntity),
		"getEntity":      js.FuncOf(getEntity),
		"findEntity":     js.FuncOf(findEntity),
		"listEntities":   js.FuncOf(listEntities),
		"searchEntities": js.FuncOf(searchEntities),
		"updateEntity":   js.FuncOf(updateEntity),
		"deleteEntity":   js.FuncOf(deleteEntity),
		"mergeEntities":  js.FuncOf(mergeEntities),
		"addAlias":       js.FuncOf(addAlias),
		"removeAlias":    js.FuncOf(removeAlias),
		"recordMention":  js.FuncOf(recordMention),
		"setMetadata":    js.FuncOf(setMetadata),
		"getMetadata":    js.FuncOf(getMetadata),
		// Relationships
		"addRelationship":    js.FuncOf(addRelationship),
		"getRelationships":   js.FuncOf(getRelationships),
		"deleteRelationship": js.FuncOf(deleteRelationship),
		"noteDeleted":        js.FuncOf(noteDeleted),
		"neighborhood":       js.FuncOf(neighborhood),
		// Scanning and vectors
		"scanImplicit":    js.FuncOf(scanImplicit),
		"setEmbedding":    js.FuncOf(setEmbedding),
		"similarEntities": js.FuncOf(similarEntities),
	}))

	select {}
}

// getVersion returns the module version
func getVersion(this js.Value, args []js.Value) interface{} {
	return app.Version
}

// ============================================================================
// Lifecycle
// ============================================================================

// open recovers the graph from IndexedDB.
// Args: [configJSON string (optional)] - same keys as kittgraph.yaml, e.g. {"data_dir": "notes"}
func open(this js.Value, args []js.Value) interface{} {
	cfg := config.Default()
	cfg.DataDir = "kittgraph"
	cfg.Engine.Driver = config.DriverMemory
	if len(args) > 0 && args[0].Type() == js.TypeString && args[0].String() != "" {
		if err := cfg.Overlay([]byte(args[0].String())); err != nil {
			return rejected("invalid config json: " + err.Error())
		}
	}

	return promise(func() (interface{}, error) {
		lifecycle.Lock()
		defer lifecycle.Unlock()
		if graph != nil {
			return graph.Recovery, nil
		}
		// IndexedDB needs the event loop, so this runs outside the callback.
		fs, err := indexeddb.NewFS(context.Background(), cfg.DataDir, indexeddb.Options{})
		if err != nil {
			return nil, err
		}
		level, _ := logging.ParseLevel(cfg.LogLevel)
		a, err := app.Open(cfg, app.Options{
			FS:       fs,
			Settings: settings.NewFSBackend(fs, "settings.json"),
			Logger:   logging.New(consoleWriter{}, level),
		})
		if err != nil {
			return nil, err
		}
		graph = a
		println("[KittGraph] ✅ Graph opened:", a.Registry.Stats().TotalEntities, "entities")
		return a.Recovery, nil
	})
}

func closeGraph(this js.Value, args []js.Value) interface{} {
	return promise(func() (interface{}, error) {
		lifecycle.Lock()
		defer lifecycle.Unlock()
		if graph == nil {
			return "closed", nil
		}
		err := graph.Close(context.Background())
		graph = nil
		return "closed", err
	})
}

func compact(this js.Value, args []js.Value) interface{} {
	return promise(func() (interface{}, error) {
		if graph == nil {
			return nil, errNotOpen
		}
		if err := graph.Engine.Compact(context.Background()); err != nil {
			return nil, err
		}
		return graph.Engine.Status(), nil
	})
}

// exportBackup resolves with the backup document as a JSON string.
func exportBackup(this js.Value, args []js.Value) interface{} {
	return promise(func() (interface{}, error) {
		if graph == nil {
			return nil, errNotOpen
		}
		var buf strings.Builder
		if _, err := graph.ExportBackup(context.Background(), &buf); err != nil {
			return nil, err
		}
		return buf.String(), nil
	})
}

// importBackup: [backupJSON string]
func importBackup(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return rejected("requires 1 arg: backupJSON")
	}
	data := args[0].String()
	return promise(func() (interface{}, error) {
		if graph == nil {
			return nil, errNotOpen
		}
		return graph.ImportBackup(context.Background(), strings.NewReader(data))
	})
}

// subscribe: [callback(topic string)]
// Returns an unsubscribe function.
func subscribe(this js.Value, args []js.Value) interface{} {
	if graph == nil {
		return errorResult(errNotOpen.Error())
	}
	if len(args) < 1 || args[0].Type() != js.TypeFunction {
		return errorResult("requires 1 arg: callback")
	}
	callback := args[0]
	unsub := graph.Registry.Subscribe(func(topic registry.Topic) {
		callback.Invoke(string(topic))
	})
	var release js.Func
	release = js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		unsub()
		release.Release()
		return nil
	})
	return release
}

func stats(this js.Value, args []js.Value) interface{} {
	if graph == nil {
		return errorResult(errNotOpen.Error())
	}
	return jsonResult(graph.Registry.Stats())
}

func detailedStats(this js.Value, args []js.Value) interface{} {
	if graph == nil {
		return errorResult(errNotOpen.Error())
	}
	return jsonResult(graph.Registry.DetailedStats())
}

// ============================================================================
// Entities
// ============================================================================

// registerEntity: [label, kind, noteID, optsJSON (optional)]
func registerEntity(this js.Value, args []js.Value) interface{} {
	if graph == nil {
		return errorResult(errNotOpen.Error())
	}
	if len(args) < 3 {
		return errorResult("requires 3+ args: label, kind, noteID, [optsJSON]")
	}
	var opts registry.RegisterOptions
	if len(args) > 3 && args[3].String() != "" {
		if err := json.Unmarshal([]byte(args[3].String()), &opts); err != nil {
			return errorResult("opts json: " + err.Error())
		}
	}
	e, err := graph.Registry.RegisterEntity(args[0].String(), args[1].String(), args[2].String(), opts)
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(e)
}

// getEntity: [id]
func getEntity(this js.Value, args []js.Value) interface{} {
	if graph == nil || len(args) < 1 {
		return "null"
	}
	return jsonResult(graph.Registry.GetEntityByID(args[0].String()))
}

// findEntity: [label or alias]
func findEntity(this js.Value, args []js.Value) interface{} {
	if graph == nil || len(args) < 1 {
		return "null"
	}
	return jsonResult(graph.Registry.FindEntityByLabel(args[0].String()))
}

// listEntities: [kind (optional)]
func listEntities(this js.Value, args []js.Value) interface{} {
	if graph == nil {
		return "[]"
	}
	var filter store.EntityFilter
	if len(args) > 0 && args[0].String() != "" {
		k, err := store.ParseKind(args[0].String())
		if err != nil {
			return errorResult(err.Error())
		}
		filter.Kind = k
	}
	return jsonResult(graph.Registry.ListEntities(filter))
}

// searchEntities: [query, limit]
func searchEntities(this js.Value, args []js.Value) interface{} {
	if graph == nil || len(args) < 2 {
		return "[]"
	}
	return jsonResult(graph.Registry.SearchEntities(args[0].String(), args[1].Int()))
}

// updateEntity: [id, updateJSON] - {"label","kind","subtype","narrativeId"}
func updateEntity(this js.Value, args []js.Value) interface{} {
	if graph == nil {
		return errorResult(errNotOpen.Error())
	}
	if len(args) < 2 {
		return errorResult("requires 2 args: id, updateJSON")
	}
	var raw struct {
		Label       *string `json:"label"`
		Kind        *string `json:"kind"`
		Subtype     *string `json:"subtype"`
		NarrativeID *string `json:"narrativeId"`
	}
	if err := json.Unmarshal([]byte(args[1].String()), &raw); err != nil {
		return errorResult("update json: " + err.Error())
	}
	e, err := graph.Registry.UpdateEntity(args[0].String(), registry.EntityUpdate{
		Label:       raw.Label,
		Kind:        raw.Kind,
		Subtype:     raw.Subtype,
		NarrativeID: raw.NarrativeID,
	})
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(e)
}

// deleteEntity: [id]
func deleteEntity(this js.Value, args []js.Value) interface{} {
	if graph == nil || len(args) < 1 {
		return false
	}
	ok, err := graph.Registry.DeleteEntity(args[0].String())
	if err != nil {
		return errorResult(err.Error())
	}
	return ok
}

// mergeEntities: [targetID, sourceID]
func mergeEntities(this js.Value, args []js.Value) interface{} {
	if graph == nil || len(args) < 2 {
		return false
	}
	ok, err := graph.Registry.MergeEntities(args[0].String(), args[1].String())
	if err != nil {
		return errorResult(err.Error())
	}
	return ok
}

// addAlias: [id, alias]
func addAlias(this js.Value, args []js.Value) interface{} {
	if graph == nil || len(args) < 2 {
		return false
	}
	ok, err := graph.Registry.AddAlias(args[0].String(), args[1].String())
	if err != nil {
		return errorResult(err.Error())
	}
	return ok
}

// removeAlias: [id, alias]
func removeAlias(this js.Value, args []js.Value) interface{} {
	if graph == nil || len(args) < 2 {
		return false
	}
	ok, err := graph.Registry.RemoveAlias(args[0].String(), args[1].String())
	if err != nil {
		return errorResult(err.Error())
	}
	return ok
}

// recordMention: [id, noteID]
func recordMention(this js.Value, args []js.Value) interface{} {
	if graph == nil {
		return errorResult(errNotOpen.Error())
	}
	if len(args) < 2 {
		return errorResult("requires 2 args: id, noteID")
	}
	if err := graph.Registry.RecordMention(args[0].String(), args[1].String()); err != nil {
		return errorResult(err.Error())
	}
	return successResult("recorded")
}

// setMetadata: [id, key, valueJSON]
func setMetadata(this js.Value, args []js.Value) interface{} {
	if graph == nil {
		return errorResult(errNotOpen.Error())
	}
	if len(args) < 3 {
		return errorResult("requires 3 args: id, key, valueJSON")
	}
	value := json.RawMessage(args[2].String())
	if !json.Valid(value) {
		return errorResult("value is not valid json")
	}
	if err := graph.Registry.SetMetadata(args[0].String(), args[1].String(), value); err != nil {
		return errorResult(err.Error())
	}
	return successResult("set")
}

// getMetadata: [id]
func getMetadata(this js.Value, args []js.Value) interface{} {
	if graph == nil || len(args) < 1 {
		return "{}"
	}
	return jsonResult(graph.Registry.GetMetadata(args[0].String()))
}

// ============================================================================
// Relationships
// ============================================================================

// addRelationship: [sourceID, targetID, type, provenanceJSON, optsJSON (optional)]
func addRelationship(this js.Value, args []js.Value) interface{} {
	if graph == nil {
		return errorResult(errNotOpen.Error())
	}
	if len(args) < 4 {
		return errorResult("requires 4+ args: sourceID, targetID, type, provenanceJSON, [optsJSON]")
	}
	var prov store.Provenance
	if err := json.Unmarshal([]byte(args[3].String()), &prov); err != nil {
		return errorResult("provenance json: " + err.Error())
	}
	var opts registry.RelationshipOptions
	if len(args) > 4 && args[4].String() != "" {
		if err := json.Unmarshal([]byte(args[4].String()), &opts); err != nil {
			return errorResult("opts json: " + err.Error())
		}
	}
	rel, err := graph.Registry.AddRelationship(args[0].String(), args[1].String(), args[2].String(), prov, opts)
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(rel)
}

// getRelationships: [entityID]
func getRelationships(this js.Value, args []js.Value) interface{} {
	if graph == nil || len(args) < 1 {
		return "[]"
	}
	return jsonResult(graph.Registry.GetRelationshipsForEntity(args[0].String()))
}

// deleteRelationship: [id]
func deleteRelationship(this js.Value, args []js.Value) interface{} {
	if graph == nil || len(args) < 1 {
		return false
	}
	ok, err := graph.Registry.DeleteRelationship(args[0].String())
	if err != nil {
		return errorResult(err.Error())
	}
	return ok
}

// noteDeleted: [noteID]
func noteDeleted(this js.Value, args []js.Value) interface{} {
	if graph == nil {
		return errorResult(errNotOpen.Error())
	}
	if len(args) < 1 {
		return errorResult("requires 1 arg: noteID")
	}
	res, err := graph.Registry.OnNoteDeleted(args[0].String())
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(res)
}

// ============================================================================
// Scanning and vectors
// ============================================================================

// scanImplicit finds known entities in text
// Args: [text string]
// Returns: JSON array of decoration spans
func scanImplicit(this js.Value, args []js.Value) interface{} {
	if graph == nil || len(args) < 1 {
		return "[]"
	}
	matches := graph.Registry.ScanText(args[0].String())
	spans := make([]map[string]interface{}, 0, len(matches))
	for _, m := range matches {
		spans = append(spans, map[string]interface{}{
			"type":     "entity_implicit",
			"from":     m.Start,
			"to":       m.End,
			"label":    m.Label,
			"kind":     m.Kind.String(),
			"entityId": m.EntityID,
			"resolved": true,
		})
	}
	return jsonResult(spans)
}

// setEmbedding: [id, vectorJSON]
func setEmbedding(this js.Value, args []js.Value) interface{} {
	if graph == nil {
		return errorResult(errNotOpen.Error())
	}
	if len(args) < 2 {
		return errorResult("requires 2 args: id, vectorJSON")
	}
	var vec []float32
	if err := json.Unmarshal([]byte(args[1].String()), &vec); err != nil {
		return errorResult("invalid vector json: " + err.Error())
	}
	if err := graph.Registry.SetEmbedding(args[0].String(), vec); err != nil {
		return errorResult(err.Error())
	}
	return successResult("added")
}

// similarEntities: [vectorJSON, k]
func similarEntities(this js.Value, args []js.Value) interface{} {
	if graph == nil || len(args) < 2 {
		return "[]"
	}
	var vec []float32
	if err := json.Unmarshal([]byte(args[0].String()), &vec); err != nil {
		return errorResult("invalid vector json: " + err.Error())
	}
	return jsonResult(graph.Registry.SimilarEntities(vec, args[1].Int()))
}

// neighborhood: [entityId, depth]
func neighborhood(this js.Value, args []js.Value) interface{} {
	if graph == nil {
		return errorResult(errNotOpen.Error())
	}
	if len(args) < 2 {
		return errorResult("requires 2 args: entityId, depth")
	}
	sub, err := graph.Registry.Neighborhood(args[0].String(), args[1].Int())
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(sub.View())
}

// ============================================================================
// Helpers
// ============================================================================

// promise runs fn on its own goroutine and settles a JS Promise with the
// JSON-encoded result.
func promise(fn func() (interface{}, error)) js.Value {
	var executor js.Func
	executor = js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		resolve, reject := args[0], args[1]
		go func() {
			defer executor.Release()
			v, err := fn()
			if err != nil {
				reject.Invoke(js.Global().Get("Error").New(err.Error()))
				return
			}
			resolve.Invoke(jsonResult(v))
		}()
		return nil
	})
	return js.Global().Get("Promise").New(executor)
}

func rejected(msg string) js.Value {
	return js.Global().Get("Promise").Call("reject", js.Global().Get("Error").New(msg))
}

// consoleWriter sends log lines to the browser console.
type consoleWriter struct{}

func (consoleWriter) Write(p []byte) (int, error) {
	js.Global().Get("console").Call("log", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func jsonResult(v interface{}) interface{} {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return errorResult(err.Error())
	}
	return string(jsonBytes)
}

// Helper: Create error result
func errorResult(msg string) interface{} {
	result := map[string]interface{}{
		"error": msg,
	}
	jsonBytes, _ := json.Marshal(result)
	return string(jsonBytes)
}

// Helper: Create success result
func successResult(msg string) interface{} {
	result := map[string]interface{}{
		"success": msg,
	}
	jsonBytes, _ := json.Marshal(result)
	return string(jsonBytes)
}
