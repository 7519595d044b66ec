package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentSessionKey returns the cache key for a student's login session
func (r *CacheKeyStruct) StudentSessionKey(studentID int) string {
	return fmt.Sprintf("login:%d", studentID)
}

// WorkflowStateKey returns the cache key for an exam's current workflow state.
// This is the fast gate StartOrResume checks before touching PostgreSQL.
func (r *CacheKeyStruct) WorkflowStateKey(examID string) string {
	return fmt.Sprintf("exam:%s:workflow_state", examID)
}

// SessionStartKey returns the cache key for a session's start timestamp
func (r *CacheKeyStruct) SessionStartKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:session_start", studentID, examID)
}

// SessionAnswersKey returns the cache key for a session's autosaved answers
func (r *CacheKeyStruct) SessionAnswersKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:answers", studentID, examID)
}

// SessionViolationsKey returns the violation counter key for one session
func (r *CacheKeyStruct) SessionViolationsKey(sessionID string) string {
	return fmt.Sprintf("session:%s:violations", sessionID)
}

// ExamDurationKey returns the cache key for an exam's duration
func (r *CacheKeyStruct) ExamDurationKey(examID string) string {
	return fmt.Sprintf("exam:%s:duration", examID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

// ExamAlertChannel returns the Redis PubSub channel for exam-wide fallback
// alerts (undeliverable HIGH-severity events land here).
func (r *CacheKeyStruct) ExamAlertChannel(examID string) string {
	return fmt.Sprintf("exam:%s:alerts", examID)
}

// WorkflowEventsChannel returns the Redis PubSub channel for
// WorkflowStateChanged domain events.
func (r *CacheKeyStruct) WorkflowEventsChannel() string {
	return "workflow:events"
}

var CacheKey = NewCacheKeyStruct()
