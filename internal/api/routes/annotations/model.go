package annotations

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ahrav/gas/internal/domain/annotation"
)

// uploadFormResponse is the presigned form the browser posts the file to.
type uploadFormResponse struct {
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields"`
}

// Encode implements the web.Encoder interface.
func (ur uploadFormResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(ur)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

type jobResponse struct {
	JobID          string     `json:"job_id"`
	Status         string     `json:"status"`
	InputFile      string     `json:"input_file"`
	SubmitTime     time.Time  `json:"submit_time"`
	CompletionTime *time.Time `json:"complete_time,omitempty"`
	Archived       bool       `json:"archived"`

	// Set on the detail view only.
	ResultURL         string `json:"result_url,omitempty"`
	FreeAccessExpired bool   `json:"free_access_expired,omitempty"`
	Restoring         bool   `json:"restoring,omitempty"`
}

func toJobResponse(job *annotation.Job) jobResponse {
	resp := jobResponse{
		JobID:      job.JobID().String(),
		Status:     job.Status().String(),
		InputFile:  job.Input().FileName,
		SubmitTime: job.SubmitTime().UTC(),
		Archived:   job.IsArchived(),
	}
	if completed, ok := job.CompletionTime(); ok {
		c := completed.UTC()
		resp.CompletionTime = &c
	}
	return resp
}

// Encode implements the web.Encoder interface.
func (jr jobResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(jr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// createdResponse is returned for a newly submitted job.
type createdResponse struct {
	jobResponse
}

// HTTPStatus implements the httpStatus interface to set the response status code.
func (createdResponse) HTTPStatus() int { return http.StatusCreated }

type jobListResponse struct {
	Jobs []jobResponse `json:"jobs"`
}

// Encode implements the web.Encoder interface.
func (lr jobListResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(lr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// logResponse is an annotation log returned as plain text.
type logResponse string

// Encode implements the web.Encoder interface.
func (lr logResponse) Encode() ([]byte, string, error) {
	return []byte(lr), "text/plain; charset=utf-8", nil
}
