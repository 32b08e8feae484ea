package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/parcelworks/assessor-sync/internal/database"
)

// TablesController exposes the synchronized table and field
// configuration read-only. Schema changes go through migrations, not
// the API.
type TablesController struct {
	db *database.Database
}

func NewTablesController(db *database.Database) *TablesController {
	return &TablesController{db: db}
}

func (t *TablesController) List(c *gin.Context) {
	tables, err := t.db.GetAllTableConfigurations()
	if err != nil {
		respondInternalError(c, err, "list table configurations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"tables": tables})
}

func (t *TablesController) Get(c *gin.Context) {
	name := c.Param("name")
	table, err := t.db.GetTableConfiguration(name)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondNotFound(c, "table")
			return
		}
		respondInternalError(c, err, "get table configuration")
		return
	}

	fields, err := t.db.ListFieldConfigurations(name)
	if err != nil {
		respondInternalError(c, err, "list field configurations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"table": table, "fields": fields})
}
