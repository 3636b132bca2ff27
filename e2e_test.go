package surface_test

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing/fstest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/surfaceui/surface"
	"github.com/surfaceui/surface/access"
	"github.com/surfaceui/surface/cell"
)

// appState and appCommand mirror a small recording application, the same
// shape the demo binary uses.
type appState struct {
	IsRecording bool   `json:"is_recording"`
	Counter     int    `json:"counter"`
	Name        string `json:"name"`
}

type appCommand struct {
	SetIsRecording *bool   `json:"SetIsRecording,omitempty"`
	SetName        *string `json:"SetName,omitempty"`
}

const e2eToken = "e2e-pre-shared-token"

var _ = Describe("browser control-surface flow", Ordered, func() {
	var (
		state  *cell.Cell[appState]
		ts     *httptest.Server
		cancel context.CancelFunc
		cookie *http.Cookie
	)

	BeforeAll(func() {
		ctrl, err := access.WithToken("127.0.0.1:0", e2eToken, []byte("e2e-jwt-secret"))
		Expect(err).NotTo(HaveOccurred())

		state = cell.New(appState{})
		app, err := surface.New[appState, appCommand](ctrl, surface.Config{
			Bundled: fstest.MapFS{
				"index.html": &fstest.MapFile{Data: []byte("<html>surface</html>")},
			},
			EventName: "surface",
		}, state)
		Expect(err).NotTo(HaveOccurred())

		app.SetCallback(func(_ context.Context, data surface.CallbackData[appCommand]) error {
			switch {
			case data.Payload.SetIsRecording != nil:
				state.Modify(func(s *appState) { s.IsRecording = *data.Payload.SetIsRecording })
			case data.Payload.SetName != nil:
				state.Modify(func(s *appState) { s.Name = *data.Payload.SetName })
			}
			return nil
		})

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		app.Start(ctx)
		ts = httptest.NewServer(app.Handler())
	})

	AfterAll(func() {
		ts.Close()
		cancel()
	})

	It("rejects a browser without a token", func() {
		resp, err := http.Get(ts.URL + "/")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("bootstraps a session from the URL token", func() {
		resp, err := http.Get(ts.URL + "/?token=" + e2eToken)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		for _, c := range resp.Cookies() {
			if c.Name == surface.DefaultCookieName {
				cookie = c
			}
		}
		Expect(cookie).NotTo(BeNil())
		Expect(cookie.HttpOnly).To(BeTrue())
	})

	It("honours the cookie on later visits without re-minting", func() {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
		Expect(err).NotTo(HaveOccurred())
		req.AddCookie(cookie)

		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Cookies()).To(BeEmpty())
	})

	It("streams the snapshot and every subsequent change", func() {
		ctx, stop := context.WithCancel(context.Background())
		defer stop()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Accept", "text/event-stream")
		req.AddCookie(cookie)

		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("Content-Type")).To(Equal("text/event-stream"))

		frames := make(chan string, 16)
		go func() {
			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
					frames <- strings.TrimPrefix(line, "data: ")
				}
			}
			close(frames)
		}()

		Eventually(frames).Should(Receive(Equal(`{"is_recording":false,"counter":0,"name":""}`)))

		postCallback(ts.URL, cookie, `{"SetIsRecording":true}`)
		Eventually(frames).Should(Receive(Equal(`{"is_recording":true,"counter":0,"name":""}`)))

		postCallback(ts.URL, cookie, `{"SetName":"night run"}`)
		Eventually(frames).Should(Receive(Equal(`{"is_recording":true,"counter":0,"name":"night run"}`)))
	})
})

func postCallback(baseURL string, cookie *http.Cookie, body string) {
	GinkgoHelper()

	req, err := http.NewRequest(http.MethodPost, baseURL+"/callback", strings.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(cookie)

	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	Expect(resp.StatusCode).To(Equal(http.StatusOK))
}
