package dynsql

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dispider/control-plane/internal/apperr"
)

func TestTableName(t *testing.T) {
	tests := []struct {
		kind      Kind
		projectID int64
		want      string
	}{
		{Tasks, 7, "project_7_tasks"},
		{Results, 7, "project_7_results"},
		{Kind("bogus"), 3, "project_3_tasks"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TableName(tt.kind, tt.projectID))
	}
}

func TestValidateColumns(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		columns []string
		wantErr bool
	}{
		{"empty", Tasks, nil, true},
		{"valid", Tasks, []string{"url", "region"}, false},
		{"unicode identifier", Tasks, []string{"城市"}, false},
		{"leading digit", Tasks, []string{"1url"}, true},
		{"contains space", Tasks, []string{"my col"}, true},
		{"reserved task column", Tasks, []string{"status"}, true},
		{"reserved task column case insensitive", Tasks, []string{"Worker_ID"}, true},
		{"reserved result column allowed on tasks", Tasks, []string{"note"}, false},
		{"reserved result column", Results, []string{"task_id"}, true},
		{"duplicate", Tasks, []string{"url", "url"}, true},
		{"duplicate case insensitive", Tasks, []string{"Url", "url"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateColumns(tt.kind, tt.columns)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.True(t, apperr.Is(err, apperr.InvalidArgument), "expected InvalidArgument, got %v", err)
		})
	}
}
