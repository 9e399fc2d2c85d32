package task

import (
	"encoding/json"
	"fmt"
)

const (
	TypePivot  = "PivotTask"
	TypeDetail = "DetailTask"
)

// Types lists every task type that has its own stream.
var Types = []string{TypePivot, TypeDetail}

type Task interface {
	TaskType() string
	TaskValue() ([]byte, error)
	// TaskKey is the natural identity of the task. Two tasks with the same key
	// describe the same unit of work and the queue keeps only one of them.
	TaskKey() string
}

// DefaultTaskValue provides a common implementation for TaskValue
func DefaultTaskValue(task interface{}) ([]byte, error) {
	return json.Marshal(task)
}

func UnmarshalTask[T Task](task []byte) (T, error) {
	var t T
	err := json.Unmarshal(task, &t)
	return t, err
}

// Decode turns a serialized task of the given type back into a Task.
func Decode(taskType string, data []byte) (Task, error) {
	switch taskType {
	case TypePivot:
		return UnmarshalTask[*PivotTask](data)
	case TypeDetail:
		return UnmarshalTask[*DetailTask](data)
	default:
		return nil, fmt.Errorf("unknown task type: %s", taskType)
	}
}
