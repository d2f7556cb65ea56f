package memstore

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/stemsi/exstem-live/internal/model"
	"golang.org/x/crypto/bcrypt"
)

// Seed is the fixture format accepted by LoadSeed.
type Seed struct {
	Exams []struct {
		Exam      model.Exam           `json:"exam"`
		Password  string               `json:"password,omitempty"`
		Questions []model.ExamQuestion `json:"questions"`
	} `json:"exams"`
	Classes []struct {
		ClassID int64 `json:"class_id"`
		Members []int `json:"members"`
	} `json:"classes"`
}

// LoadSeed reads a JSON fixture into catalog and classes. Plain-text exam
// passwords are hashed with cost.
func LoadSeed(path string, cost int, catalog *Catalog, classes *Classes) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse seed: %w", err)
	}

	for _, e := range seed.Exams {
		exam := e.Exam
		if e.Password != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(e.Password), cost)
			if err != nil {
				return fmt.Errorf("hash password of exam %d: %w", exam.ID, err)
			}
			exam.PasswordHash = string(hash)
		}
		catalog.Put(exam, e.Questions)
	}
	for _, c := range seed.Classes {
		classes.Enroll(c.ClassID, c.Members...)
	}
	return nil
}
