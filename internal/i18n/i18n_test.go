package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func initLang(t *testing.T, lang string) {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("init: %v", err)
	}
}

func TestTranslateDefault(t *testing.T) {
	initLang(t, "en")
	if got := T(context.Background(), "feedback_excellent"); got != "Excellent!" {
		t.Fatalf("got %q", got)
	}
}

func TestTranslateMissingReturnsID(t *testing.T) {
	initLang(t, "en")
	if got := T(context.Background(), "no_such_message"); got != "no_such_message" {
		t.Fatalf("got %q", got)
	}
}

func TestTLangWithTemplateData(t *testing.T) {
	initLang(t, "en")
	got := TLang("fr", "notify_result_body", map[string]any{
		"StudentName": "Amina",
		"Grade":       "87.5",
		"ExamTitle":   "Algebra",
		"Status":      "COMPLETED",
	})
	want := "Amina a obtenu 87.5 à l'examen Algebra (COMPLETED)."
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestTLangFallsBackToDefault(t *testing.T) {
	initLang(t, "en")
	if got := TLang("de", "feedback_good", nil); got != "Good" {
		t.Fatalf("got %q", got)
	}
}

func TestMiddlewareMatchesAcceptLanguage(t *testing.T) {
	initLang(t, "en")

	tests := []struct {
		header string
		want   string
	}{
		{header: "fr-CA,fr;q=0.9", want: "Bien"},
		{header: "ar", want: "جيد"},
		{header: "ja", want: "Good"},
		{header: "", want: "Good"},
	}
	for _, tc := range tests {
		var got string
		h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = T(r.Context(), "feedback_good")
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Accept-Language", tc.header)
		}
		h.ServeHTTP(httptest.NewRecorder(), req)
		if got != tc.want {
			t.Fatalf("Accept-Language %q: got %q want %q", tc.header, got, tc.want)
		}
	}
}
