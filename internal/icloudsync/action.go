package icloudsync

// ActionKind tags the remote operation an ActionResult reports on
// (spec.md §3, component C6).
type ActionKind int

const (
	ActionNil ActionKind = iota
	ActionUpload
	ActionDownload
	ActionDelete
	ActionRename
	ActionMove
	ActionMkdir
	ActionRefresh
)

func (k ActionKind) String() string {
	switch k {
	case ActionNil:
		return "nil"
	case ActionUpload:
		return "upload"
	case ActionDownload:
		return "download"
	case ActionDelete:
		return "delete"
	case ActionRename:
		return "rename"
	case ActionMove:
		return "move"
	case ActionMkdir:
		return "mkdir"
	case ActionRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// RetryFunc resubmits the failed operation, producing a fresh ActionResult.
type RetryFunc func() ActionResult

// ActionResult is the reified outcome of a remote operation. Remote-layer
// methods never return a Go error to the reconciler; they always return an
// ActionResult, wrapping any failure inside it (spec.md §4.7, §7 propagation
// policy).
type ActionResult struct {
	Kind     ActionKind
	Success  bool
	Path     string
	DestPath string // set for Rename/Move

	RetriesLeft  int
	RetryClosure RetryFunc
	Err          error

	// Spawned holds follow-up work units a unit produced, e.g. the child
	// folder jobs returned by ProcessFolder (spec.md §9, "coroutine /
	// future chaining").
	Spawned []ActionResult
}

// Nil is the no-op ActionResult, returned when an operation finds nothing to
// do (e.g. mkdir on an already-existing folder).
func Nil(path string) ActionResult {
	return ActionResult{Kind: ActionNil, Success: true, Path: path}
}

// Failed builds a failure ActionResult carrying a retry closure and the
// number of retries remaining.
func Failed(kind ActionKind, path string, err error, retriesLeft int, retry RetryFunc) ActionResult {
	return ActionResult{
		Kind:         kind,
		Success:      false,
		Path:         path,
		Err:          err,
		RetriesLeft:  retriesLeft,
		RetryClosure: retry,
	}
}

// Succeeded builds a successful ActionResult.
func Succeeded(kind ActionKind, path string) ActionResult {
	return ActionResult{Kind: kind, Success: true, Path: path}
}

// SucceededTo builds a successful ActionResult carrying a destination path,
// for Rename/Move.
func SucceededTo(kind ActionKind, path, dest string) ActionResult {
	return ActionResult{Kind: kind, Success: true, Path: path, DestPath: dest}
}

// AffectsParents reports the parent path(s) that should receive a
// RemoteFolderModified rescan hint after a successful write (spec.md §4.7).
func (r ActionResult) AffectsParents() []string {
	if !r.Success {
		return nil
	}

	switch r.Kind {
	case ActionUpload, ActionRename:
		return []string{ParentPath(r.Path)}
	case ActionMove:
		return []string{ParentPath(r.Path), ParentPath(r.DestPath)}
	default:
		return nil
	}
}
