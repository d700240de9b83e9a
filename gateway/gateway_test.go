package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCreds map[string]string

func (s staticCreds) AuthorizationHeader() map[string]string { return s }

func newTestClient(t *testing.T, h http.HandlerFunc, creds Credentials) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.Client(), srv.URL+"/", creds, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLogin(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/login", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a@utdallas.edu", body["email"])
		assert.Equal(t, "x", body["password"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"message":"ok","token":"T","user":{"id":7,"email":"a@utdallas.edu","name":"Ada"}}`)
	}, staticCreds{})

	resp, err := c.Login(context.Background(), "a@utdallas.edu", "x")
	require.NoError(t, err)
	assert.Equal(t, "T", resp.Token)
	assert.Equal(t, 7, resp.User.ID)
	assert.Equal(t, "Ada", resp.User.DisplayName)
}

func TestLoginErrorCarriesServerMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"Invalid email or password"}`)
	}, nil)

	_, err := c.Login(context.Background(), "a@utdallas.edu", "bad")
	require.Error(t, err)
	assert.True(t, IsHTTPStatus(err, http.StatusUnauthorized))
	assert.Equal(t, "Invalid email or password", ServerMessage(err))
	assert.False(t, IsTransient(err))
}

func TestLoginOKWithoutTokenIsAnError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"error":"Please verify your email"}`)
	}, nil)

	_, err := c.Login(context.Background(), "a@utdallas.edu", "x")
	require.Error(t, err)
	assert.Equal(t, "Please verify your email", ServerMessage(err))
}

func TestAuthorizationHeaderAttached(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer T", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `[]`)
	}, staticCreds{"Authorization": "Bearer T"})

	listings, err := c.ListListings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, listings)
}

func TestListListingsDecodesPrices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[
			{"id":1,"title":"Desk","price":"25.50","userId":3,"user":{"id":3,"email":"s@utdallas.edu"},"imageUrls":["a.jpg","b.jpg"],"createdAt":"2024-03-01T10:00:00Z"},
			{"id":2,"title":"Lamp","price":5,"location":"ECSS"}
		]`)
	}, nil)

	listings, err := c.ListListings(context.Background())
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.InDelta(t, 25.5, float64(listings[0].Price), 1e-9)
	assert.Equal(t, 3, listings[0].OwnerIDOrZero())
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, listings[0].ImageURLs)
	assert.InDelta(t, 5.0, float64(listings[1].Price), 1e-9)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>oops</html>`},
		{"wrong shape", `{"listings":[]}`},
		{"negative price", `[{"id":1,"title":"x","price":-3}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, tt.body)
			}, nil)
			_, err := c.ListListings(context.Background())
			assert.True(t, IsDecode(err), "want DecodeError, got %v", err)
		})
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(&http.Client{Timeout: time.Second}, url, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := c.ListListings(context.Background())
	assert.True(t, IsNetwork(err), "want NetworkError, got %v", err)
	assert.True(t, IsTransient(err))
}

func TestHTMLErrorPageMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `<html><head><title>502 Bad Gateway</title></head><body><h1>Bad Gateway</h1></body></html>`)
	}, nil)

	_, err := c.ListListings(context.Background())
	assert.True(t, IsHTTPStatus(err, http.StatusBadGateway))
	assert.True(t, IsTransient(err))
	assert.Equal(t, "502 Bad Gateway", ServerMessage(err))
}

func TestCreateListingMultipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/listings", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "Desk", r.FormValue("title"))
		assert.Equal(t, "25.5", r.FormValue("price"))
		assert.Equal(t, "Oak", r.FormValue("description"))
		assert.Equal(t, "JSOM", r.FormValue("location"))
		files := r.MultipartForm.File["images"]
		require.Len(t, files, 2)
		assert.Equal(t, "one.jpg", files[0].Filename)
		assert.Equal(t, "image/jpeg", files[0].Header.Get("Content-Type"))

		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":9,"title":"Desk","price":25.5,"imageUrls":["/u/one.jpg","/u/two.jpg"]}`)
	}, nil)

	l, err := c.CreateListing(context.Background(), ListingDraft{
		Title:       "Desk",
		Price:       25.5,
		Description: "Oak",
		Location:    "JSOM",
		Images: []Image{
			{Name: "one.jpg", ContentType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff}},
			{Name: "two.jpg", ContentType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 9, l.IDOrZero())
}

func TestUpdateListingExcludesImages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/listings/9", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Empty(t, r.MultipartForm.File)
		assert.Equal(t, "10", r.FormValue("price"))
		_, _ = io.WriteString(w, `{"id":9,"title":"Desk v2","price":10}`)
	}, nil)

	l, err := c.UpdateListing(context.Background(), 9, ListingEdit{Title: "Desk v2", Price: 10})
	require.NoError(t, err)
	assert.Equal(t, "Desk v2", l.Title)
}

func TestSendMessage(t *testing.T) {
	tests := []struct {
		name string
		resp string
	}{
		{"bare", `{"id":55,"content":"hi","userId":7,"listingId":3,"createdAt":"2024-03-01T10:00:00Z"}`},
		{"wrapped", `{"message":{"id":55,"content":"hi","userId":7,"listingId":3,"createdAt":"2024-03-01T10:00:00Z"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/messages", r.URL.Path)
				var body map[string]any
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, map[string]any{"content": "hi", "userId": float64(7), "listingId": float64(3)}, body)
				w.WriteHeader(http.StatusCreated)
				_, _ = io.WriteString(w, tt.resp)
			}, nil)

			msg, err := c.SendMessage(context.Background(), 7, 3, "hi")
			require.NoError(t, err)
			assert.Equal(t, 55, msg.ID)
			assert.Equal(t, 7, msg.SenderID)
		})
	}
}

func TestUserConversations(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/7/conversations", r.URL.Path)
		_, _ = io.WriteString(w, `[{"listingId":3,"listing":{"id":3,"title":"Desk","price":1},"otherUser":{"id":4,"email":"b@utdallas.edu"},
			"lastMessage":{"id":2,"content":"yo","userId":4,"listingId":3,"createdAt":"2024-03-01T10:00:00Z"}}]`)
	}, nil)

	convs, err := c.UserConversations(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 3, convs[0].ListingID)
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, "yo", convs[0].LastMessage.Content)
}

func TestSmallCalls(t *testing.T) {
	var seen []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		switch r.URL.Path {
		case "/auth/forgot-password":
			_, _ = io.WriteString(w, `{"message":"Check your inbox"}`)
		case "/users/7":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "new bio", r.FormValue("bio"))
			_, _ = io.WriteString(w, `{"user":{"id":7,"email":"a@utdallas.edu","bio":"new bio"}}`)
		case "/users/7/fcm-token":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "push-1", body["fcmToken"])
		case "/auth/signup":
			w.WriteHeader(http.StatusCreated)
		}
	}, nil)
	ctx := context.Background()

	msg, err := c.ForgotPassword(ctx, "a@utdallas.edu")
	require.NoError(t, err)
	assert.Equal(t, "Check your inbox", msg)

	user, err := c.UpdateProfile(ctx, 7, ProfileUpdate{Email: "a@utdallas.edu", Bio: "new bio"})
	require.NoError(t, err)
	assert.Equal(t, "new bio", user.Bio)

	require.NoError(t, c.RegisterPushToken(ctx, 7, "push-1"))
	require.NoError(t, c.RecordClick(ctx, 3))
	require.NoError(t, c.DeleteListing(ctx, 3))
	require.NoError(t, c.SignUp(ctx, SignUpRequest{Email: "a@utdallas.edu", Password: "x", Name: "Ada"}))

	assert.Equal(t, []string{
		"POST /auth/forgot-password",
		"PUT /users/7",
		"POST /users/7/fcm-token",
		"POST /listings/3/click",
		"DELETE /listings/3",
		"POST /auth/signup",
	}, seen)
}
