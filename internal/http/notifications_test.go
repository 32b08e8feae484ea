package http

import (
	"net/http"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelworks/assessor-sync/internal/config"
	"github.com/parcelworks/assessor-sync/internal/database"
	"github.com/parcelworks/assessor-sync/internal/notify"
)

func setupNotifyRouter(t *testing.T) (*gin.Engine, func()) {
	gin.SetMode(gin.TestMode)
	dbPath := "./test_http_" + t.Name() + ".db"
	app, err := database.NewDatabase(dbPath)
	require.NoError(t, err)

	nr, err := notify.NewRouter(app.DB, config.Notify{})
	require.NoError(t, err)

	router := NewRouter(RouterConfig{Notify: nr})
	cleanup := func() {
		app.Close()
		os.Remove(dbPath)
	}
	return router, cleanup
}

func TestNotificationConfigs_AvailableUnderQualityPrefix(t *testing.T) {
	router, cleanup := setupNotifyRouter(t)
	defer cleanup()

	direct := doRequest(router, http.MethodGet, "/api/notifications", "")
	aliased := doRequest(router, http.MethodGet, "/api/quality/notifications", "")

	assert.Equal(t, http.StatusOK, direct.Code)
	assert.Equal(t, http.StatusOK, aliased.Code)
	assert.Equal(t, direct.Body.String(), aliased.Body.String())
}
