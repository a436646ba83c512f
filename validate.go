package pipebuilder

import "slices"

// terminalStages must be the final stage when present.
var terminalStages = []string{StageOut, StageMerge}

// Validate checks the pipeline structure before execution: it must not be
// empty, must not hold both $out and $merge, and a $out or $merge stage must
// be last. A recorded chained-call error is returned first.
func (b *Builder) Validate() error {
	const op = "Validate"
	if b.err != nil {
		return b.err
	}
	if len(b.stages) == 0 {
		return wrapError(op, ErrEmptyPipeline, "pipeline cannot be empty")
	}

	types := b.StageTypes()
	if slices.Contains(types, StageOut) && slices.Contains(types, StageMerge) {
		return wrapError(op, ErrConflictingOutputStages,
			"pipeline cannot contain both $out and $merge stages. Only one output stage is allowed.")
	}

	for _, token := range terminalStages {
		idx := slices.Index(types, token)
		if idx == -1 {
			continue
		}
		if idx != len(types)-1 {
			return wrapError(op, ErrTerminalStageNotLast,
				"%s stage must be the last stage in the pipeline. Found at position %d of %d.",
				token, idx+1, len(types))
		}
	}
	return nil
}
