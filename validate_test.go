package pipebuilder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		builder func() *Builder
		wantErr error
		msg     string
	}{
		{
			name:    "valid pipeline",
			builder: func() *Builder { return New().Match(bson.D{{"a", 1}}).Limit(5) },
		},
		{
			name:    "empty pipeline",
			builder: func() *Builder { return New() },
			wantErr: ErrEmptyPipeline,
		},
		{
			name:    "out last",
			builder: func() *Builder { return New().Match(bson.D{{"a", 1}}).Out("archive") },
		},
		{
			name:    "merge last",
			builder: func() *Builder { return New().Match(bson.D{{"a", 1}}).Merge("summary") },
		},
		{
			name:    "out not last",
			builder: func() *Builder { return New().Out("archive").Limit(10) },
			wantErr: ErrTerminalStageNotLast,
			msg:     "$out stage must be the last stage in the pipeline. Found at position 1 of 2.",
		},
		{
			name: "merge not last",
			builder: func() *Builder {
				return New().Match(bson.D{{"a", 1}}).Merge("summary").Count()
			},
			wantErr: ErrTerminalStageNotLast,
			msg:     "$merge stage must be the last stage in the pipeline. Found at position 2 of 3.",
		},
		{
			name:    "out and merge",
			builder: func() *Builder { return New().Out("a").Merge("b") },
			wantErr: ErrConflictingOutputStages,
			msg:     "Only one output stage is allowed.",
		},
		{
			name:    "recorded error wins",
			builder: func() *Builder { return New().Limit(-1) },
			wantErr: ErrInvalidValue,
			msg:     "Limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.builder().Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, ErrInvalidValue)
			if tt.msg != "" {
				assert.Contains(t, err.Error(), tt.msg)
			}
		})
	}
}

func TestValidateDoesNotModifyBuilder(t *testing.T) {
	b := New().Out("archive").Limit(1)
	require.Error(t, b.Validate())
	assert.NoError(t, b.Err(), "validation failures are not recorded")
	assert.Equal(t, 2, b.Len())
}

func TestValidateSeesAddedStages(t *testing.T) {
	b := New().AddStage(bson.D{{"$out", "x"}}).AddStage(bson.D{{"$limit", 1}})
	assert.ErrorIs(t, b.Validate(), ErrTerminalStageNotLast)
}
