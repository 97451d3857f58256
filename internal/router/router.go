// Package router applies protocol messages from one client to the room list.
// Calls are expected to be serialized by the hub.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"cloudserver/internal/config"
	"cloudserver/internal/room"
	"cloudserver/pkg/interfaces"
	"cloudserver/pkg/types"
)

// anonymousUsername replaces generated "player1234" style names.
const anonymousUsername = "player"

// Options configures a Router.
type Options struct {
	Features   config.FeaturesConfig
	Classifier interfaces.Classifier
	Logger     *slog.Logger
}

// Router dispatches handshake, set, create, delete and rename messages.
type Router struct {
	rooms      *room.List
	features   config.FeaturesConfig
	classifier interfaces.Classifier
	logger     *slog.Logger
}

// NewRouter creates a router over rooms.
func NewRouter(rooms *room.List, opts Options) *Router {
	if opts.Classifier == nil {
		opts.Classifier = interfaces.AllowAll{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		rooms:      rooms,
		features:   opts.Features,
		classifier: opts.Classifier,
		logger:     opts.Logger,
	}
}

// Handle applies msg on behalf of c. A *CloseError means the connection
// must be closed with its code; any other error means the message was
// dropped and the connection stays open.
func (r *Router) Handle(c *room.Client, msg *types.Message) error {
	if msg.Method == types.MethodHandshake {
		return r.handshake(c, msg)
	}

	rm, err := r.rooms.RoomOf(c)
	if err != nil {
		return closeWith(types.CloseGeneric, "no room", ErrNotHandshaken)
	}

	switch msg.Method {
	case types.MethodSet:
		return r.set(c, rm, msg)
	case types.MethodCreate:
		return r.create(c, rm, msg)
	case types.MethodDelete:
		return r.delete(c, rm, msg)
	case types.MethodRename:
		return r.rename(c, rm, msg)
	default:
		return closeWith(types.CloseGeneric, "unknown method", fmt.Errorf("%w: %q", ErrUnknownMethod, msg.Method))
	}
}

// Disconnect removes c from its room. The room and its variables stay.
func (r *Router) Disconnect(c *room.Client) {
	r.rooms.Leave(c)
}

func (r *Router) handshake(c *room.Client, msg *types.Message) error {
	if c.InRoom() {
		return closeWith(types.CloseGeneric, "already handshaken", ErrAlreadyHandshaken)
	}

	username := msg.User
	if !types.IsValidUsername(username) {
		return closeWith(types.CloseUsername, "invalid username", types.ErrInvalidUsername)
	}
	if r.classifier.Classify(username) {
		r.logger.Info("refused username", "ip", c.IP, "username", username)
		return closeWith(types.CloseUsername, "invalid username", ErrDisallowedUsername)
	}
	if r.features.AnonymizeGeneratedUsernames && types.IsGeneratedUsername(username) {
		username = anonymousUsername
	}

	roomID := string(msg.ProjectID)
	if !types.IsValidRoomID(roomID) {
		return closeWith(types.CloseProjectUnavailable, "invalid project id", types.ErrInvalidRoomID)
	}

	c.SetUsername(username)
	rm, err := r.rooms.Join(roomID, c, true)
	if err != nil {
		if errors.Is(err, room.ErrCapacityExceeded) {
			return closeWith(types.CloseOverloaded, "room full", err)
		}
		return closeWith(types.CloseProjectUnavailable, "room unavailable", err)
	}

	r.logger.Debug("client joined", "room", roomID, "client", c.ID, "username", username)
	return r.replay(c, rm)
}

// replay sends the full room state as set messages, in name order.
func (r *Router) replay(c *room.Client, rm *room.Room) error {
	variables := rm.Variables()
	names := make([]string, 0, len(variables))
	for name := range variables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := c.Send(types.NewSetMessage(name, variables[name])); err != nil {
			return fmt.Errorf("failed to replay room state: %w", err)
		}
	}
	return nil
}

func (r *Router) set(c *room.Client, rm *room.Room, msg *types.Message) error {
	value := msg.ValueString()
	if err := r.checkVariable(msg.Name, value); err != nil {
		return err
	}

	err := rm.Set(c, msg.Name, value)
	if errors.Is(err, room.ErrNotFound) {
		if r.classifier.Classify(msg.Name) {
			return fmt.Errorf("%w: %q", ErrDisallowedName, msg.Name)
		}
		err = rm.Create(c, msg.Name, value)
	}
	return err
}

func (r *Router) create(c *room.Client, rm *room.Room, msg *types.Message) error {
	value := msg.ValueString()
	if err := r.checkVariable(msg.Name, value); err != nil {
		return err
	}
	if !rm.Has(msg.Name) && r.classifier.Classify(msg.Name) {
		return fmt.Errorf("%w: %q", ErrDisallowedName, msg.Name)
	}

	err := rm.Create(c, msg.Name, value)
	if errors.Is(err, room.ErrAlreadyExists) {
		err = rm.Set(c, msg.Name, value)
	}
	return err
}

func (r *Router) delete(c *room.Client, rm *room.Room, msg *types.Message) error {
	if !r.features.EnableDelete {
		return fmt.Errorf("%w: delete", ErrFeatureDisabled)
	}
	if !types.IsValidVariableName(msg.Name) {
		return types.ErrInvalidVariableName
	}
	return rm.Delete(c, msg.Name)
}

func (r *Router) rename(c *room.Client, rm *room.Room, msg *types.Message) error {
	if !r.features.EnableRename {
		return fmt.Errorf("%w: rename", ErrFeatureDisabled)
	}
	if !types.IsValidVariableName(msg.Name) || !types.IsValidVariableName(msg.NewName) {
		return types.ErrInvalidVariableName
	}
	if r.classifier.Classify(msg.NewName) {
		return fmt.Errorf("%w: %q", ErrDisallowedName, msg.NewName)
	}
	return rm.Rename(c, msg.Name, msg.NewName)
}

func (r *Router) checkVariable(name, value string) error {
	if !types.IsValidVariableName(name) {
		return fmt.Errorf("%w: %q", types.ErrInvalidVariableName, name)
	}
	if !types.IsValidValue(value) {
		return types.ErrValueTooLarge
	}
	if r.features.FilterValues && r.classifier.Classify(value) {
		return ErrDisallowedValue
	}
	return nil
}
