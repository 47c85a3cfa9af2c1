package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sibyllinesoft/arbiter-sub005/internal/revisions"
	"github.com/sibyllinesoft/arbiter-sub005/internal/store"
	"go.uber.org/zap"
)

const (
	fragmentPathParam   = "path"
	fragmentIDParam     = "fragmentId"
	revisionNumberParam = "number"
)

func (h *httpHandler) handleCreateProject(c *gin.Context) {
	var request createProjectRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalidRequest(c, "invalid_json")
		return
	}
	if !h.allowsProject(c, request.ID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	project, err := h.projects.Create(c.Request.Context(), request.ID, request.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newProjectPayload(project))
}

func (h *httpHandler) handleGetProject(c *gin.Context) {
	project, err := h.projects.Get(c.Request.Context(), c.Param(projectIDParam))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if project == nil {
		c.JSON(http.StatusNotFound, errorPayload{Error: string(store.KindNotFound), Code: "projects.get.project_not_found"})
		return
	}
	c.JSON(http.StatusOK, newProjectPayload(*project))
}

func (h *httpHandler) handleCreateFragment(c *gin.Context) {
	projectID := c.Param(projectIDParam)
	var request createFragmentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalidRequest(c, "invalid_json")
		return
	}
	if strings.TrimSpace(request.ID) == "" {
		id, err := h.idProvider.NewID()
		if err != nil {
			h.logger.Error("failed to generate fragment id", zap.Error(err))
			c.JSON(http.StatusInternalServerError, errorPayload{Error: string(store.KindInternal)})
			return
		}
		request.ID = id
	}

	fragment, err := h.revisions.CreateFragment(c.Request.Context(), revisions.CreateFragmentRequest{
		ID:        request.ID,
		ProjectID: projectID,
		Path:      request.Path,
		Content:   request.Content,
		Author:    request.Author,
		Message:   request.Message,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publish(projectID, RealtimeFragmentChanged, []string{fragment.ID}, nil)
	c.JSON(http.StatusCreated, newFragmentPayload(fragment))
}

func (h *httpHandler) handleListFragments(c *gin.Context) {
	fragments, err := h.revisions.ListFragments(c.Request.Context(), c.Param(projectIDParam))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payloads := make([]fragmentPayload, 0, len(fragments))
	for _, fragment := range fragments {
		payloads = append(payloads, newFragmentPayload(fragment))
	}
	c.JSON(http.StatusOK, gin.H{"fragments": payloads})
}

func (h *httpHandler) handleGetFragment(c *gin.Context) {
	fragment, err := h.revisions.GetFragment(c.Request.Context(), c.Param(projectIDParam), fragmentPath(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if fragment == nil {
		c.JSON(http.StatusNotFound, errorPayload{Error: string(store.KindNotFound), Code: "revisions.get_fragment.fragment_not_found"})
		return
	}
	c.JSON(http.StatusOK, newFragmentPayload(*fragment))
}

func (h *httpHandler) handleUpdateFragment(c *gin.Context) {
	projectID := c.Param(projectIDParam)
	var request updateFragmentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Content == nil {
		h.respondInvalidRequest(c, "missing_content")
		return
	}

	update, err := h.revisions.UpdateFragment(c.Request.Context(), revisions.UpdateFragmentRequest{
		ProjectID: projectID,
		Path:      fragmentPath(c),
		Content:   *request.Content,
		Author:    request.Author,
		Message:   request.Message,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	response := fragmentUpdatePayload{Fragment: newFragmentPayload(update.Fragment), Changed: update.Changed}
	if update.Revision != nil {
		revision := newRevisionPayload(*update.Revision)
		response.Revision = &revision
	}
	if update.Changed {
		h.publish(projectID, RealtimeFragmentChanged, []string{update.Fragment.ID}, nil)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleDeleteFragment(c *gin.Context) {
	projectID := c.Param(projectIDParam)
	path := fragmentPath(c)
	fragment, err := h.revisions.GetFragment(c.Request.Context(), projectID, path)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.revisions.DeleteFragment(c.Request.Context(), projectID, path); err != nil {
		h.respondError(c, err)
		return
	}
	if fragment != nil {
		h.publish(projectID, RealtimeFragmentChanged, []string{fragment.ID}, nil)
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListRevisions(c *gin.Context) {
	fragmentID, ok := h.requireFragment(c)
	if !ok {
		return
	}
	list, err := h.revisions.ListFragmentRevisions(c.Request.Context(), fragmentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payloads := make([]revisionPayload, 0, len(list))
	for _, revision := range list {
		payloads = append(payloads, newRevisionPayload(revision))
	}
	c.JSON(http.StatusOK, gin.H{"revisions": payloads})
}

func (h *httpHandler) handleLatestRevision(c *gin.Context) {
	fragmentID, ok := h.requireFragment(c)
	if !ok {
		return
	}
	revision, err := h.revisions.GetLatestFragmentRevision(c.Request.Context(), fragmentID)
	h.respondRevision(c, revision, err)
}

func (h *httpHandler) handleGetRevision(c *gin.Context) {
	number, err := strconv.ParseInt(c.Param(revisionNumberParam), 10, 64)
	if err != nil {
		h.respondInvalidRequest(c, "invalid_revision_number")
		return
	}
	fragmentID, ok := h.requireFragment(c)
	if !ok {
		return
	}
	revision, err := h.revisions.GetFragmentRevision(c.Request.Context(), fragmentID, number)
	h.respondRevision(c, revision, err)
}

func (h *httpHandler) respondRevision(c *gin.Context, revision *revisions.FragmentRevision, err error) {
	if err != nil {
		h.respondError(c, err)
		return
	}
	if revision == nil {
		c.JSON(http.StatusNotFound, errorPayload{Error: string(store.KindNotFound), Code: "revisions.get_fragment_revision.revision_not_found"})
		return
	}
	c.JSON(http.StatusOK, newRevisionPayload(*revision))
}

// requireFragment resolves the fragmentId path parameter inside the project.
func (h *httpHandler) requireFragment(c *gin.Context) (string, bool) {
	fragmentID := c.Param(fragmentIDParam)
	fragment, err := h.revisions.GetFragmentByID(c.Request.Context(), c.Param(projectIDParam), fragmentID)
	if err != nil {
		h.respondError(c, err)
		return "", false
	}
	if fragment == nil {
		c.JSON(http.StatusNotFound, errorPayload{Error: string(store.KindNotFound), Code: "revisions.get_fragment.fragment_not_found"})
		return "", false
	}
	return fragment.ID, true
}

func fragmentPath(c *gin.Context) string {
	return strings.TrimPrefix(c.Param(fragmentPathParam), "/")
}
