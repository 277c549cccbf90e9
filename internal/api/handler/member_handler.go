package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/memberhost/memberq/internal/api/dto"
	"github.com/memberhost/memberq/internal/store"
)

// ListMembers handles GET /api/v1/members
func (h *DirectoryHandler) ListMembers(c *gin.Context) {
	onlyUsers := c.Query("users") == "true"

	members, err := h.store.ListMembers(c.Request.Context(), onlyUsers)
	if err != nil {
		h.logger.Error("Failed to list members", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list members",
		})
		return
	}

	resp := make([]dto.MemberDTO, len(members))
	for i, m := range members {
		resp[i] = dto.MemberDTO{
			Username:      m.Username,
			PreferredName: m.PreferredName.String,
			Surname:       m.Surname.String,
			Email:         m.Email.String,
			Member:        m.Member,
			User:          m.User,
		}
		if m.Joined.Valid {
			resp[i].Joined = m.Joined.Time.Format(time.RFC3339)
		}
	}

	c.JSON(http.StatusOK, gin.H{"members": resp})
}

// ListSocieties handles GET /api/v1/societies
func (h *DirectoryHandler) ListSocieties(c *gin.Context) {
	societies, err := h.store.ListSocieties(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list societies", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list societies",
		})
		return
	}

	resp := make([]dto.SocietyDTO, len(societies))
	for i, s := range societies {
		resp[i] = dto.SocietyDTO{
			Society:     s.Society,
			Description: s.Description,
			RoleEmail:   s.RoleEmail.String,
			Admins:      []string{},
		}
		if s.Joined.Valid {
			resp[i].Joined = s.Joined.Time.Format(time.RFC3339)
		}
	}

	c.JSON(http.StatusOK, gin.H{"societies": resp})
}

// GetMember handles GET /api/v1/members/:username
func (h *DirectoryHandler) GetMember(c *gin.Context) {
	username := c.Param("username")

	m, err := h.store.GetMember(c.Request.Context(), username)
	if err != nil {
		if errors.Is(err, store.ErrMemberNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Member not found",
			})
			return
		}
		h.logger.Error("Failed to get member", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get member",
		})
		return
	}

	resp := dto.MemberDTO{
		Username:      m.Username,
		PreferredName: m.PreferredName.String,
		Surname:       m.Surname.String,
		Email:         m.Email.String,
		Member:        m.Member,
		User:          m.User,
	}
	if m.Joined.Valid {
		resp.Joined = m.Joined.Time.Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, resp)
}

// GetSociety handles GET /api/v1/societies/:society
func (h *DirectoryHandler) GetSociety(c *gin.Context) {
	name := c.Param("society")

	soc, err := h.store.GetSociety(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrSocietyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Society not found",
			})
			return
		}
		h.logger.Error("Failed to get society", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get society",
		})
		return
	}

	resp := dto.SocietyDTO{
		Society:     soc.Society,
		Description: soc.Description,
		RoleEmail:   soc.RoleEmail.String,
		Admins:      soc.Admins,
	}
	if soc.Joined.Valid {
		resp.Joined = soc.Joined.Time.Format(time.RFC3339)
	}
	if resp.Admins == nil {
		resp.Admins = []string{}
	}

	c.JSON(http.StatusOK, resp)
}
