package svcctx

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jackzampolin/inkwell/internal/home"
	"github.com/jackzampolin/inkwell/internal/titles"
)

func TestServicesFrom(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, ServicesFrom(ctx))
	assert.Nil(t, HomeFrom(ctx))
	assert.Nil(t, LocatorFrom(ctx))
	assert.Nil(t, ConfigFrom(ctx))
	assert.Equal(t, slog.Default(), LoggerFrom(ctx))

	h, err := home.New(t.TempDir())
	assert.NoError(t, err)
	loc := titles.NewFSLocator(h, nil)
	logger := slog.New(slog.DiscardHandler)

	ctx = WithServices(ctx, &Services{Home: h, Locator: loc, Logger: logger})
	assert.Same(t, h, HomeFrom(ctx))
	assert.Equal(t, loc, LocatorFrom(ctx))
	assert.Same(t, logger, LoggerFrom(ctx))
}
