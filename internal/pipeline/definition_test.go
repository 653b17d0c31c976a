package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		wantErr string
	}{
		{
			name: "valid chain",
			def: Definition{
				Name: "etl",
				Tasks: []TaskDef{
					{Name: "extract", Type: "http_fetch"},
					{Name: "transform", Type: "transform", DependsOn: []string{"extract"}},
					{Name: "load", Type: "db_write", DependsOn: []string{"transform"}},
				},
			},
		},
		{
			name: "valid diamond",
			def: Definition{
				Name: "fanout",
				Tasks: []TaskDef{
					{Name: "a", Type: "noop"},
					{Name: "b", Type: "noop", DependsOn: []string{"a"}},
					{Name: "c", Type: "noop", DependsOn: []string{"a"}},
					{Name: "d", Type: "noop", DependsOn: []string{"b", "c"}},
				},
			},
		},
		{
			name:    "no name",
			def:     Definition{Tasks: []TaskDef{{Name: "a", Type: "noop"}}},
			wantErr: "no name",
		},
		{
			name:    "no tasks",
			def:     Definition{Name: "empty"},
			wantErr: "declares no tasks",
		},
		{
			name: "duplicate task name",
			def: Definition{
				Name:  "dup",
				Tasks: []TaskDef{{Name: "a", Type: "noop"}, {Name: "a", Type: "noop"}},
			},
			wantErr: "duplicate task name",
		},
		{
			name: "unknown dependency",
			def: Definition{
				Name:  "dangling",
				Tasks: []TaskDef{{Name: "a", Type: "noop", DependsOn: []string{"ghost"}}},
			},
			wantErr: "unknown task",
		},
		{
			name: "self dependency",
			def: Definition{
				Name:  "selfie",
				Tasks: []TaskDef{{Name: "a", Type: "noop", DependsOn: []string{"a"}}},
			},
			wantErr: "depends on itself",
		},
		{
			name: "cycle",
			def: Definition{
				Name: "loop",
				Tasks: []TaskDef{
					{Name: "a", Type: "noop", DependsOn: []string{"c"}},
					{Name: "b", Type: "noop", DependsOn: []string{"a"}},
					{Name: "c", Type: "noop", DependsOn: []string{"b"}},
				},
			},
			wantErr: "cycle",
		},
		{
			name: "task with no type",
			def: Definition{
				Name:  "untyped",
				Tasks: []TaskDef{{Name: "a"}},
			},
			wantErr: "no type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&Definition{
		Name:  "etl",
		Tasks: []TaskDef{{Name: "extract", Type: "http_fetch"}},
	}))

	def, err := r.Get("etl")
	require.NoError(t, err)
	assert.Equal(t, "etl", def.Name)

	_, err = r.Get("nope")
	assert.ErrorContains(t, err, "no pipeline registered")

	assert.Error(t, r.Register(&Definition{Name: "bad"}), "invalid definitions must not register")
	assert.ElementsMatch(t, []string{"etl"}, r.Names())
}

func TestMaxAttemptsResolution(t *testing.T) {
	def := &Definition{Name: "p", MaxAttempts: 5}

	assert.Equal(t, 7, def.maxAttemptsFor(TaskDef{MaxAttempts: 7}), "task override wins")
	assert.Equal(t, 5, def.maxAttemptsFor(TaskDef{}), "pipeline default applies")
	assert.Equal(t, 3, (&Definition{Name: "q"}).maxAttemptsFor(TaskDef{}), "global default applies")
}
