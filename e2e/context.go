// Package e2e drives a running dossier server through its HTTP API.
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TestContext holds per-scenario state: the acting user, their token and the
// last response.
type TestContext struct {
	BaseURL    string
	HTTPClient *http.Client

	signingKey string
	issuer     string
	audience   string

	actors       map[string]uuid.UUID
	currentActor string
	accessToken  string
	documents    map[string]string

	LastResponse     *http.Response
	LastResponseBody []byte
}

func NewTestContext() *TestContext {
	return &TestContext{
		BaseURL:    envOr("DOSSIER_E2E_URL", "http://localhost:8080"),
		HTTPClient: &http.Client{Timeout: 90 * time.Second},
		signingKey: envOr("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		issuer:     envOr("JWT_ISSUER", "dossier"),
		audience:   envOr("JWT_AUDIENCE", "dossier-api"),
		actors:     map[string]uuid.UUID{},
		documents:  map[string]string{},
	}
}

// Reset clears scenario state. Actor IDs are fresh per scenario so scenarios
// never see each other's documents.
func (tc *TestContext) Reset() {
	tc.actors = map[string]uuid.UUID{}
	tc.documents = map[string]string{}
	tc.currentActor = ""
	tc.accessToken = ""
	tc.LastResponse = nil
	tc.LastResponseBody = nil
}

// ActAs switches the caller, minting a token for role ("customer" or
// "reviewer").
func (tc *TestContext) ActAs(name, role string) error {
	userID, ok := tc.actors[name]
	if !ok {
		userID = uuid.New()
		tc.actors[name] = userID
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID.String(),
		"role":    role,
		"iss":     tc.issuer,
		"aud":     []string{tc.audience},
		"iat":     now.Unix(),
		"exp":     now.Add(15 * time.Minute).Unix(),
		"jti":     uuid.NewString(),
	})
	signed, err := token.SignedString([]byte(tc.signingKey))
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	tc.currentActor = name
	tc.accessToken = signed
	return nil
}

func (tc *TestContext) ActorID(name string) (string, error) {
	userID, ok := tc.actors[name]
	if !ok {
		return "", fmt.Errorf("unknown actor %q", name)
	}
	return userID.String(), nil
}

func (tc *TestContext) CurrentActorID() string {
	return tc.actors[tc.currentActor].String()
}

func (tc *TestContext) RememberDocument(label, documentID string) {
	tc.documents[label] = documentID
}

func (tc *TestContext) Document(label string) (string, error) {
	documentID, ok := tc.documents[label]
	if !ok {
		return "", fmt.Errorf("no document saved as %q", label)
	}
	return documentID, nil
}

func (tc *TestContext) GET(path string) error {
	return tc.do(http.MethodGet, path, nil, "")
}

func (tc *TestContext) DELETE(path string) error {
	return tc.do(http.MethodDelete, path, nil, "")
}

func (tc *TestContext) POST(path string, body any) error {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(raw)
	}
	return tc.do(http.MethodPost, path, buf, "application/json")
}

// Upload posts a multipart document with the given category.
func (tc *TestContext) Upload(category, filename string, data []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("category", category); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	return tc.do(http.MethodPost, "/documents", &body, mw.FormDataContentType())
}

func (tc *TestContext) do(method, path string, body io.Reader, contentType string) error {
	req, err := http.NewRequest(method, strings.TrimRight(tc.BaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if tc.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+tc.accessToken)
	}

	resp, err := tc.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	tc.LastResponse = resp
	tc.LastResponseBody, err = io.ReadAll(resp.Body)
	return err
}

// ResponseField reads a top-level JSON field from the last response.
func (tc *TestContext) ResponseField(field string) (any, error) {
	var data map[string]any
	if err := json.Unmarshal(tc.LastResponseBody, &data); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	v, ok := data[field]
	if !ok {
		return nil, fmt.Errorf("field %q not in response: %s", field, tc.LastResponseBody)
	}
	return v, nil
}

func (tc *TestContext) StatusCode() int {
	if tc.LastResponse == nil {
		return 0
	}
	return tc.LastResponse.StatusCode
}

func (tc *TestContext) Body() string {
	return string(tc.LastResponseBody)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
