package model

// SubmitAnswerRequest is the payload for POST /submissions/:id/answers.
type SubmitAnswerRequest struct {
	QuestionID    int64  `json:"question_id" binding:"required,min=1"`
	AnswerContent string `json:"answer_content" binding:"max=20000"`
}

// UpdateTimeRequest is the payload for PATCH /submissions/:id/time.
type UpdateTimeRequest struct {
	RemainingTimeSeconds *int `json:"remaining_time_seconds" binding:"required"`
}

// VerifyPasswordRequest is the payload for POST /exams/:exam_id/verify-password.
type VerifyPasswordRequest struct {
	Password string `json:"password" binding:"required,max=128"`
}
