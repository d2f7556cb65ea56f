package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SubmissionAnswersKey returns the hash holding a submission's autosaved answers
func (r *CacheKeyStruct) SubmissionAnswersKey(submissionID string) string {
	return fmt.Sprintf("submission:%s:answers", submissionID)
}

// ExamPayloadKey returns the cache key for an exam's student-facing payload
func (r *CacheKeyStruct) ExamPayloadKey(examID int64) string {
	return fmt.Sprintf("exam:%d:payload", examID)
}

// ExamUnlockKey marks that a student passed an exam's password gate
func (r *CacheKeyStruct) ExamUnlockKey(examID int64, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%d:unlocked", studentID, examID)
}

// ClassSequenceKey holds the last event sequence number issued for a class room
func (r *CacheKeyStruct) ClassSequenceKey(classID int64) string {
	return fmt.Sprintf("class:%d:seq", classID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID int64) string {
	return fmt.Sprintf("exam:%d:monitor", examID)
}

// ClassEventsChannel returns the Redis PubSub channel carrying a class room's events
func (r *CacheKeyStruct) ClassEventsChannel(classID int64) string {
	return fmt.Sprintf("class:%d:events", classID)
}

// ClassEventsPattern matches every ClassEventsChannel
func (r *CacheKeyStruct) ClassEventsPattern() string {
	return "class:*:events"
}

var CacheKey = NewCacheKeyStruct()
