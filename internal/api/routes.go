package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/rhythms/internal/models"
	"github.com/zulandar/rhythms/internal/session"
	"github.com/zulandar/rhythms/internal/standup"
)

// defaultDays is the standup history window when ?days is absent.
const defaultDays = 7

func registerRoutes(router *gin.Engine, opts Opts) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.GET("/active", handleActive(opts.Active))
	api.GET("/sessions/:id", handleSession(opts.Store))
	api.GET("/users/:handle/sessions", handleUserSessions(opts.Store))
	api.GET("/users/:handle/standups", handleStandups(opts.Final))
	api.GET("/users/:handle/blockers", handleBlockers(opts.Final))
}

func handleActive(active *standup.ActiveSessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		runs := []standup.RunInfo{}
		if active != nil {
			runs = append(runs, active.List()...)
		}
		c.JSON(http.StatusOK, gin.H{"active": runs})
	}
}

func handleSession(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		state, err := store.Load(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": id, "state": state})
	}
}

func handleUserSessions(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		infos, err := store.List(c.Request.Context(), c.Param("handle"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": infos})
	}
}

type itemView struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Resolved    bool   `json:"resolved"`
}

type standupView struct {
	Date           string     `json:"date"`
	Submitted      bool       `json:"submitted"`
	SubmissionTime *time.Time `json:"submission_time,omitempty"`
	Items          []itemView `json:"items"`
}

func toStandupView(su models.Standup) standupView {
	v := standupView{
		Date:           su.Date,
		Submitted:      su.Submitted,
		SubmissionTime: su.SubmissionTime,
		Items:          make([]itemView, 0, len(su.Items)),
	}
	for _, it := range su.Items {
		v.Items = append(v.Items, itemView{Type: it.Type, Description: it.Description, Resolved: it.Resolved})
	}
	return v
}

func handleStandups(final *standup.FinalStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		days := defaultDays
		if raw := c.Query("days"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a non-negative integer"})
				return
			}
			days = n
		}

		standups, err := final.RecentStandups(c.Request.Context(), c.Param("handle"), days)
		if err != nil {
			writeError(c, err)
			return
		}
		views := make([]standupView, 0, len(standups))
		for _, su := range standups {
			views = append(views, toStandupView(su))
		}
		c.JSON(http.StatusOK, gin.H{"standups": views})
	}
}

func handleBlockers(final *standup.FinalStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		blockers, err := final.UnresolvedBlockers(c.Request.Context(), c.Param("handle"))
		if err != nil {
			writeError(c, err)
			return
		}
		if blockers == nil {
			blockers = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"blockers": blockers})
	}
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrOwnerNotFound),
		errors.Is(err, standup.ErrUnknownUser):
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
