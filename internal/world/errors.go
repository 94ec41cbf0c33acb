package world

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrNotFound marks a missing campaign, map, property, or action target.
	ErrNotFound = errors.New("world: not found")
	// ErrInvalidCursor marks a sync cursor that is not a valid ISO-8601 instant.
	ErrInvalidCursor = errors.New("world: invalid cursor")
	// ErrUnknownPermission marks a permission kind outside the closed enumeration.
	ErrUnknownPermission = errors.New("world: unknown permission kind")
	// ErrMissingMapName marks a map document without a usable name field.
	ErrMissingMapName = errors.New("world: map document missing name")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a dotted operation code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code exposes the dotted operation code for logging and response bodies.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "world.service.new"
	opListCampaigns    = "world.list_campaigns"
	opCampaignOverview = "world.campaign_overview"
	opResolveProperty  = "world.resolve_property"
	opResolveAll       = "world.resolve_properties"
	opWriteProperty    = "world.write_property"
	opDeleteProperty   = "world.delete_property"
	opAssignPerms      = "world.assign_permissions"
	opResetPerms       = "world.reset_permissions"
	opSaveMap          = "world.save_map"
	opLoadMap          = "world.load_map"
	opDeleteMap        = "world.delete_map"
	opListMapActions   = "world.list_map_actions"
	opSyncActions      = "world.sync_actions"
	opResetActions     = "world.reset_actions"
	opParseCursor      = "world.parse_cursor"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("world service error", attrs...)
}
