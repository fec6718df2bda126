// Package client is a small HTTP client for the candidate attempt API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/response"
)

const defaultTimeout = 15 * time.Second

// APIError is a non-2xx reply decoded from the error envelope.
type APIError struct {
	Status  int
	Code    response.ErrCode
	Message string
	Fields  map[string]string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d %s: %s", e.Status, e.Code, e.Message)
}

// ErrCode exposes the server error code to callers matching on it.
func (e *APIError) ErrCode() response.ErrCode { return e.Code }

type envelope struct {
	Data     json.RawMessage     `json:"data"`
	Error    *response.ErrorBody `json:"error"`
	Metadata response.Metadata   `json:"metadata"`
}

// Client talks to one server with one candidate token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a Client. A nil httpClient gets a default with a timeout.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// Start opens the candidate's attempt for an exam.
func (c *Client) Start(ctx context.Context, examID uuid.UUID) (*model.AttemptState, error) {
	var out model.AttemptState
	if err := c.do(ctx, http.MethodPost, "/api/v1/candidate/exams/"+examID.String()+"/attempts", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Resume finds the candidate's existing attempt for an exam.
func (c *Client) Resume(ctx context.Context, examID uuid.UUID) (*model.AttemptState, error) {
	var out model.AttemptState
	if err := c.do(ctx, http.MethodGet, "/api/v1/candidate/exams/"+examID.String()+"/attempt", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the full attempt state.
func (c *Client) Status(ctx context.Context, attemptID uuid.UUID) (*model.AttemptState, error) {
	var out model.AttemptState
	if err := c.do(ctx, http.MethodGet, attemptPath(attemptID, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sync returns the server's view of the running timer.
func (c *Client) Sync(ctx context.Context, attemptID uuid.UUID) (*model.TimerSnapshot, error) {
	var out model.TimerSnapshot
	if err := c.do(ctx, http.MethodGet, attemptPath(attemptID, "/sync"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveAnswers autosaves a batch for the current subject.
func (c *Client) SaveAnswers(ctx context.Context, attemptID uuid.UUID, subjectIndex int, batch []model.AnswerEntry) (*model.TimerSnapshot, error) {
	var out model.TimerSnapshot
	path := attemptPath(attemptID, fmt.Sprintf("/subjects/%d/answers", subjectIndex))
	if err := c.do(ctx, http.MethodPut, path, model.AnswerBatchRequest{Answers: batch}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitSubject submits the subject and moves to the next one.
func (c *Client) SubmitSubject(ctx context.Context, attemptID uuid.UUID, subjectIndex int, batch []model.AnswerEntry) (*model.AttemptState, error) {
	var out model.AttemptState
	path := attemptPath(attemptID, fmt.Sprintf("/subjects/%d/submit", subjectIndex))
	if err := c.do(ctx, http.MethodPost, path, model.AnswerBatchRequest{Answers: batch}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitExam finishes the attempt.
func (c *Client) SubmitExam(ctx context.Context, attemptID uuid.UUID, subjectIndex *int, batch []model.AnswerEntry) (*model.AttemptState, error) {
	var out model.AttemptState
	body := model.SubmitExamRequest{SubjectIndex: subjectIndex, Answers: batch}
	if err := c.do(ctx, http.MethodPost, attemptPath(attemptID, "/submit"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func attemptPath(id uuid.UUID, suffix string) string {
	return "/api/v1/candidate/attempts/" + id.String() + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Fields = env.Error.Fields
		}
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, decodeErr)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}
