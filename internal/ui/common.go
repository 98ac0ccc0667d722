package ui

import (
	"fmt"
	"net/http"
	"net/url"

	"gitea.jw6.us/james/taskmirror/internal/http/csrf"
	"gitea.jw6.us/james/taskmirror/internal/http/errors"
)

// withFlash adds flash messages and the CSRF token to template data. The
// connect callback redirects here with connect=failed when an authorization
// could not be completed.
func (h *Handler) withFlash(r *http.Request, data map[string]any) map[string]any {
	q := r.URL.Query()
	if status := q.Get("status"); status != "" {
		data["FlashMessage"] = status
	}
	if err := q.Get("error"); err != "" {
		data["FlashError"] = err
	}
	if q.Get("connect") == "failed" {
		data["FlashError"] = "Connecting the account failed. Please try again."
	}
	if token := q.Get("token"); token != "" {
		data["PlainToken"] = token
	}
	if csrfToken := csrf.TokenFromContext(r.Context()); csrfToken != "" {
		data["CSRFToken"] = csrfToken
	}
	return data
}

// redirect redirects to a path with query parameters.
func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, path string, params map[string]string) {
	q := url.Values{}
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	location := path
	if encoded := q.Encode(); encoded != "" {
		location += "?" + encoded
	}
	http.Redirect(w, r, location, http.StatusFound)
}

// render executes a template and writes the response.
func (h *Handler) render(w http.ResponseWriter, r *http.Request, name string, data any) {
	tmpl, ok := h.templates[name]
	if !ok {
		errors.InternalError(w, r, fmt.Errorf("template not found"), fmt.Sprintf("template %q not found", name))
		return
	}

	if err := tmpl.ExecuteTemplate(w, name, data); err != nil {
		errors.InternalError(w, r, err, fmt.Sprintf("template render error for %q", name))
	}
}
