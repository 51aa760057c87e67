package httpapi

import (
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rotisserie/eris"

	"github.com/i474232898/weather-ingestion-pipeline/internal/pipeline"
)

var validate = validator.New()

// Triggerer is the entry point the on-demand path shares with the
// scheduler: accepted triggers return a run ID, overlapping ones ErrBusy.
type Triggerer interface {
	Trigger(kind pipeline.TriggerKind) (string, error)
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
//
// The trigger endpoint only reports acceptance: callers learn the run's
// eventual outcome through the audit endpoints, not the trigger response.
func RegisterRoutes(app *fiber.App, trigger Triggerer, gold pipeline.GoldView, runs pipeline.RunLog) {
	v1 := app.Group("/api/v1")

	v1.Post("/run", func(c *fiber.Ctx) error {
		runID, err := trigger.Trigger(pipeline.TriggerOnDemand)
		if err != nil {
			if eris.Is(err, pipeline.ErrBusy) {
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{
					"error":   true,
					"message": "busy: a run is already in progress",
				})
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to start run")
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"run_id": runID,
			"status": string(pipeline.RunStatusRunning),
		})
	})

	v1.Get("/runs", func(c *fiber.Ctx) error {
		limit := 20
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return fiber.NewError(fiber.StatusBadRequest, "limit must be a positive integer")
			}
			limit = n
		}

		records, err := runs.List(c.Context(), limit)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to list runs")
		}
		return c.JSON(fiber.Map{"runs": records})
	})

	v1.Get("/runs/:id", func(c *fiber.Ctx) error {
		record, err := runs.Get(c.Context(), c.Params("id"))
		if err != nil {
			if eris.Is(err, pipeline.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no such run")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch run")
		}
		return c.JSON(record)
	})

	v1.Get("/gold/latest", func(c *fiber.Ctx) error {
		req, err := parseEntityQuery(c)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		snap, err := gold.Snapshot(c.Context())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to read gold view")
		}

		var latest *pipeline.GoldRow
		for i := range snap.Rows {
			row := snap.Rows[i]
			if row.EntityID != req.Entity {
				continue
			}
			if latest == nil || row.ObservedAt.After(latest.ObservedAt) {
				latest = &row
			}
		}
		if latest == nil {
			return fiber.NewError(fiber.StatusNotFound, "no data for requested entity")
		}
		return c.JSON(latest)
	})

	v1.Get("/gold/rows", func(c *fiber.Ctx) error {
		req, err := parseEntityQuery(c)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		snap, err := gold.Snapshot(c.Context())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to read gold view")
		}

		rows := make([]pipeline.GoldRow, 0)
		for _, row := range snap.Rows {
			if row.EntityID == req.Entity {
				rows = append(rows, row)
			}
		}
		if len(rows) == 0 {
			return fiber.NewError(fiber.StatusNotFound, "no data for requested entity")
		}
		return c.JSON(fiber.Map{"entity": req.Entity, "rows": rows})
	})

	v1.Get("/gold/freshness", func(c *fiber.Ctx) error {
		snap, err := gold.Snapshot(c.Context())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to read gold view")
		}
		return c.JSON(fiber.Map{
			"max_observed_at": snap.MaxObservedAt(),
			"rebuilt_at":      snap.RebuiltAt,
			"version":         snap.Version,
			"row_count":       len(snap.Rows),
		})
	})
}

// entityQuery holds query parameters identifying an entity.
type entityQuery struct {
	Entity string `validate:"required"`
}

func parseEntityQuery(c *fiber.Ctx) (entityQuery, error) {
	q := entityQuery{Entity: c.Query("entity")}
	if err := validate.Struct(q); err != nil {
		return q, err
	}
	return q, nil
}
