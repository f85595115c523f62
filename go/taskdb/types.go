// Package taskdb is the durable task repository: tasks, their five pipeline
// steps, and append-only task logs, all held in one SQLite database. Every
// public operation runs inside a Store.WithTx transaction scope; the package
// rejects nested transactions and use of an expired transaction handle.
package taskdb

import "time"

// TimeLayout is ISO-8601 UTC with millisecond precision, the wire and storage
// format of every timestamp in the database.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Now returns the current UTC time in TimeLayout.
func Now() string { return time.Now().UTC().Format(TimeLayout) }

// ParseTime parses a TimeLayout timestamp.
func ParseTime(s string) (time.Time, error) { return time.Parse(TimeLayout, s) }

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status ends the task lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepStatus is the lifecycle state of a single pipeline step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Mode selects between fully automatic processing and operator-driven
// reprocessing, which rebuilds derived outputs instead of skipping them.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// LogLevel classifies task log entries.
type LogLevel string

const (
	LogDefault LogLevel = "default"
	LogInfo    LogLevel = "info"
	LogSuccess LogLevel = "success"
	LogError   LogLevel = "error"
)

// The five pipeline stages, in execution order.
const (
	StagePDFToImages      = "pdf_to_images"
	StageExtractQuestions = "extract_questions"
	StageAnalyzeData      = "analyze_data"
	StageComposeLongImage = "compose_long_image"
	StageCollectResults   = "collect_results"
)

// NumStages is the fixed stage count of every task.
const NumStages = 5

// StageNames maps step index to stage name.
var StageNames = [NumStages]string{
	StagePDFToImages,
	StageExtractQuestions,
	StageAnalyzeData,
	StageComposeLongImage,
	StageCollectResults,
}

// StageTitles are operator-facing display titles, indexed like StageNames.
var StageTitles = [NumStages]string{
	"PDF转图片",
	"提取题目",
	"资料分析识别",
	"合成长图",
	"汇总结果",
}

// Critical reports whether failure of the given step fails the whole task.
// Steps 2 and 3 produce derived outputs and are recoverable.
func Critical(stepIndex int) bool {
	return stepIndex == 0 || stepIndex == 1 || stepIndex == 4
}

// Task is one PDF processing job.
type Task struct {
	TaskID        string
	Mode          Mode
	PDFName       string
	FileHash      string
	ExamDirName   string
	Status        TaskStatus
	CurrentStep   int
	ErrorMessage  string
	ExpectedPages int
	CreatedAt     string
	UpdatedAt     string
	FinishedAt    string
	DeletedAt     string
}

// Step is one pipeline stage of a task. Artifacts holds the ordered opaque
// artifact references committed by a completed run of the step.
type Step struct {
	TaskID    string
	StepIndex int
	Name      string
	Title     string
	Status    StepStatus
	Error     string
	StartedAt string
	EndedAt   string
	Artifacts []string
}

// LogEntry is one append-only task log line.
type LogEntry struct {
	ID        int64
	TaskID    string
	CreatedAt string
	Level     LogLevel
	Message   string
}

// TaskDetail is a task joined with its steps and most recent logs.
type TaskDetail struct {
	Task       Task
	Steps      []Step
	RecentLogs []LogEntry
}
