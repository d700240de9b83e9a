// Package gateway performs the HTTP calls of the marketplace backend contract.
// It attaches credentials, encodes requests and decodes responses; it never
// retries or caches.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"marketsync/pkg/market"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	DefaultTimeout = 30 * time.Second
	maxErrorBody   = 64 << 10
)

// Credentials supplies the headers attached to every request.
type Credentials interface {
	AuthorizationHeader() map[string]string
}

// Client calls the backend at baseURL.
type Client struct {
	client  *http.Client
	logger  *slog.Logger
	creds   Credentials
	baseURL string
}

// New creates a gateway client. A nil httpClient gets DefaultTimeout.
func New(httpClient *http.Client, baseURL string, creds Credentials, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		client:  httpClient,
		logger:  logger,
		creds:   creds,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// request is a prepared call.
type request struct {
	op          string
	method      string
	path        string
	body        []byte
	contentType string
}

func jsonRequest(op, method, path string, payload any) (*request, error) {
	req := &request{op: op, method: method, path: path}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		req.body = b
		req.contentType = "application/json"
	}
	return req, nil
}

// do sends req and decodes a 2xx JSON body into out when out is non-nil.
func (c *Client) do(ctx context.Context, r *request, out any) error {
	url := c.baseURL + r.path

	var body io.Reader = http.NoBody
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, url, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", r.op, err)
	}
	req.Header.Set("Accept", "application/json")
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if c.creds != nil {
		for k, v := range c.creds.AuthorizationHeader() {
			req.Header.Set(k, v)
		}
	}

	c.logger.Debug("HTTP request starting", "op", r.op, "method", r.method, "url", url)

	startTime := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("HTTP request failed", "op", r.op, "url", url, "duration_ms", duration.Milliseconds(), "error", err)
		return &NetworkError{Op: r.op, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Info("HTTP request completed",
		"op", r.op,
		"method", r.method,
		"url", url,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{
			Op:      r.op,
			Status:  resp.StatusCode,
			Message: errorMessage(resp.Header.Get("Content-Type"), raw),
		}
	}

	if out == nil {
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			return &NetworkError{Op: r.op, Err: err}
		}
		return nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: r.op, Err: err}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &DecodeError{Op: r.op, Err: err}
	}
	return nil
}

// errorMessage extracts human-readable error text from a failed response:
// JSON {"error"} or {"message"}, else the title of an HTML error page.
func errorMessage(contentType string, body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		return payload.Message
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType != "text/html" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

// multipartForm builds a multipart body from ordered fields and files.
type multipartForm struct {
	buf bytes.Buffer
	w   *multipart.Writer
	err error
}

func newMultipartForm() *multipartForm {
	f := &multipartForm{}
	f.w = multipart.NewWriter(&f.buf)
	return f
}

func (f *multipartForm) field(name, value string) {
	if f.err != nil {
		return
	}
	f.err = f.w.WriteField(name, value)
}

func (f *multipartForm) file(field string, img Image) {
	if f.err != nil {
		return
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, img.Name))
	ct := img.ContentType
	if ct == "" {
		ct = http.DetectContentType(img.Data)
	}
	h.Set("Content-Type", ct)
	part, err := f.w.CreatePart(h)
	if err != nil {
		f.err = err
		return
	}
	_, f.err = part.Write(img.Data)
}

func (f *multipartForm) request(op, method, path string) (*request, error) {
	if f.err == nil {
		f.err = f.w.Close()
	}
	if f.err != nil {
		return nil, fmt.Errorf("%s: encode form: %w", op, f.err)
	}
	return &request{op: op, method: method, path: path, body: f.buf.Bytes(), contentType: f.w.FormDataContentType()}, nil
}

// Image is an upload attached to a listing or profile.
type Image struct {
	Name        string
	ContentType string
	Data        []byte
}

// SignUpRequest is the body of POST /auth/signup.
type SignUpRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=1"`
	Name     string `json:"name" validate:"required"`
}

// LoginResponse is the body of a successful POST /auth/login.
type LoginResponse struct {
	Message string             `json:"message"`
	Token   string             `json:"token"`
	User    market.UserSummary `json:"user"`
}

// ListingDraft holds the fields of a listing to create.
type ListingDraft struct {
	Title       string  `validate:"required,max=200"`
	Price       float64 `validate:"gte=0"`
	Description string  `validate:"max=5000"`
	Location    string  `validate:"max=200"`
	Images      []Image `validate:"max=10"`
}

// ListingEdit holds the editable fields of an existing listing. Images are
// fixed at creation and cannot be changed.
type ListingEdit struct {
	Title       string  `validate:"required,max=200"`
	Price       float64 `validate:"gte=0"`
	Description string  `validate:"max=5000"`
	Location    string  `validate:"max=200"`
}

// ProfileUpdate holds the fields of PUT /users/{id}.
type ProfileUpdate struct {
	Email string `validate:"required,email"`
	Name  string
	Bio   string `validate:"max=1000"`
	Image *Image
}

// ConversationSummary is one entry of GET /users/{id}/conversations.
type ConversationSummary struct {
	ListingID   int                 `json:"listingId"`
	Listing     *market.Listing     `json:"listing,omitempty"`
	OtherUser   *market.UserSummary `json:"otherUser,omitempty"`
	LastMessage *market.Message     `json:"lastMessage,omitempty"`
	Messages    []market.Message    `json:"messages,omitempty"`
}

// SignUp registers a new account.
func (c *Client) SignUp(ctx context.Context, in SignUpRequest) error {
	req, err := jsonRequest("signup", http.MethodPost, "/auth/signup", in)
	if err != nil {
		return err
	}
	return c.do(ctx, req, nil)
}

// Login exchanges email and password for a bearer credential.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	req, err := jsonRequest("login", http.MethodPost, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		LoginResponse
		Error string `json:"error"`
	}
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	if out.Token == "" || out.User.ID == 0 {
		if out.Error != "" {
			return nil, &HTTPError{Op: "login", Status: http.StatusOK, Message: out.Error}
		}
		return nil, &DecodeError{Op: "login", Err: errors.New("response has no token or user")}
	}
	return &out.LoginResponse, nil
}

// ForgotPassword asks the backend to send a reset email and returns its message.
func (c *Client) ForgotPassword(ctx context.Context, email string) (string, error) {
	req, err := jsonRequest("forgot_password", http.MethodPost, "/auth/forgot-password", map[string]string{"email": email})
	if err != nil {
		return "", err
	}
	var out struct {
		Message string `json:"message"`
	}
	if err := c.do(ctx, req, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

// ListListings fetches every listing with its embedded owner.
func (c *Client) ListListings(ctx context.Context) ([]market.Listing, error) {
	req, _ := jsonRequest("list_listings", http.MethodGet, "/listings", nil)
	var out []market.Listing
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func priceField(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

// CreateListing submits a draft with its images and returns the stored listing.
func (c *Client) CreateListing(ctx context.Context, d ListingDraft) (*market.Listing, error) {
	f := newMultipartForm()
	f.field("title", d.Title)
	f.field("price", priceField(d.Price))
	f.field("description", d.Description)
	f.field("location", d.Location)
	for _, img := range d.Images {
		f.file("images", img)
	}
	req, err := f.request("create_listing", http.MethodPost, "/listings")
	if err != nil {
		return nil, err
	}

	var out market.Listing
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	if out.ID == nil {
		return nil, &DecodeError{Op: "create_listing", Err: errors.New("listing has no id")}
	}
	return &out, nil
}

// UpdateListing replaces the editable fields of listing id.
func (c *Client) UpdateListing(ctx context.Context, id int, e ListingEdit) (*market.Listing, error) {
	f := newMultipartForm()
	f.field("title", e.Title)
	f.field("price", priceField(e.Price))
	f.field("description", e.Description)
	f.field("location", e.Location)
	req, err := f.request("update_listing", http.MethodPut, "/listings/"+strconv.Itoa(id))
	if err != nil {
		return nil, err
	}

	var out market.Listing
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteListing removes listing id.
func (c *Client) DeleteListing(ctx context.Context, id int) error {
	req, _ := jsonRequest("delete_listing", http.MethodDelete, "/listings/"+strconv.Itoa(id), nil)
	return c.do(ctx, req, nil)
}

// ListMessages fetches the messages attached to a listing.
func (c *Client) ListMessages(ctx context.Context, listingID int) ([]market.Message, error) {
	req, _ := jsonRequest("list_messages", http.MethodGet, "/listings/"+strconv.Itoa(listingID)+"/messages", nil)
	var out []market.Message
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage posts content from userID about listingID and returns the
// stored message.
func (c *Client) SendMessage(ctx context.Context, userID, listingID int, content string) (*market.Message, error) {
	req, err := jsonRequest("send_message", http.MethodPost, "/messages", map[string]any{
		"content":   content,
		"userId":    userID,
		"listingId": listingID,
	})
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := c.do(ctx, req, &raw); err != nil {
		return nil, err
	}
	msg, err := decodeMessage(raw)
	if err != nil {
		return nil, &DecodeError{Op: "send_message", Err: err}
	}
	return msg, nil
}

// decodeMessage accepts a bare message or one wrapped in "message" or "data".
func decodeMessage(raw json.RawMessage) (*market.Message, error) {
	var msg market.Message
	if err := json.Unmarshal(raw, &msg); err == nil && msg.ID != 0 {
		return &msg, nil
	}
	var env struct {
		Message *market.Message `json:"message"`
		Data    *market.Message `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	switch {
	case env.Message != nil && env.Message.ID != 0:
		return env.Message, nil
	case env.Data != nil && env.Data.ID != 0:
		return env.Data, nil
	}
	return nil, errors.New("message has no id")
}

// UserConversations fetches the conversation summaries of userID.
func (c *Client) UserConversations(ctx context.Context, userID int) ([]ConversationSummary, error) {
	req, _ := jsonRequest("user_conversations", http.MethodGet, "/users/"+strconv.Itoa(userID)+"/conversations", nil)
	var out []ConversationSummary
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateProfile replaces the profile of userID and returns the stored profile.
func (c *Client) UpdateProfile(ctx context.Context, userID int, p ProfileUpdate) (*market.UserSummary, error) {
	f := newMultipartForm()
	f.field("email", p.Email)
	f.field("name", p.Name)
	f.field("bio", p.Bio)
	if p.Image != nil {
		f.file("image", *p.Image)
	}
	req, err := f.request("update_profile", http.MethodPut, "/users/"+strconv.Itoa(userID))
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := c.do(ctx, req, &raw); err != nil {
		return nil, err
	}
	var user market.UserSummary
	if err := json.Unmarshal(raw, &user); err != nil || user.ID == 0 {
		var env struct {
			User market.UserSummary `json:"user"`
		}
		if envErr := json.Unmarshal(raw, &env); envErr != nil || env.User.ID == 0 {
			return nil, &DecodeError{Op: "update_profile", Err: errors.New("response has no user")}
		}
		user = env.User
	}
	return &user, nil
}

// RegisterPushToken stores the device push token for userID.
func (c *Client) RegisterPushToken(ctx context.Context, userID int, token string) error {
	req, err := jsonRequest("register_push_token", http.MethodPost, "/users/"+strconv.Itoa(userID)+"/fcm-token", map[string]string{"fcmToken": token})
	if err != nil {
		return err
	}
	return c.do(ctx, req, nil)
}

// RecordClick counts a view of listing id.
func (c *Client) RecordClick(ctx context.Context, listingID int) error {
	req, _ := jsonRequest("record_click", http.MethodPost, "/listings/"+strconv.Itoa(listingID)+"/click", nil)
	return c.do(ctx, req, nil)
}
