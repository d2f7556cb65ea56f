package config

type WorkerKeyStruct struct {
	PersistAnswersQueue   string
	GradeSubmissionsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistAnswersQueue:   "persist_answers_queue",
	GradeSubmissionsQueue: "grade_submissions_queue",
}
