package api

import (
	"net/http"
)

type themeBody struct {
	Theme string `json:"theme"`
}

type agentBody struct {
	Role         string `json:"role"`
	Instructions string `json:"instructions"`
}

func handleGetTheme(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		theme, err := deps.Chat.Theme()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading theme: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, themeBody{Theme: theme})
	}
}

func handleSetTheme(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body themeBody
		if !decodeBody(w, r, &body) {
			return
		}
		if err := deps.Chat.SetTheme(body.Theme); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "setting theme: %v", err)
			return
		}
		theme, _ := deps.Chat.Theme()
		writeJSON(w, http.StatusOK, themeBody{Theme: theme})
	}
}

func handleSetAPIKey(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			APIKey string `json:"api_key"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if err := deps.Chat.SetAPIKey(body.APIKey); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Key saved"})
	}
}

func handleGetAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role, instructions, err := deps.Chat.AgentConfig()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading agent config: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, agentBody{Role: role, Instructions: instructions})
	}
}

func handleSetAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body agentBody
		if !decodeBody(w, r, &body) {
			return
		}
		if err := deps.Chat.UpdateAgentConfig(body.Role, body.Instructions); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "updating agent config: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Config updated"})
	}
}
