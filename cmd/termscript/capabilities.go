package main

import (
	"context"
	"sync"

	"pkt.systems/pslog"
)

// headlessNotifier surfaces script notifications through the logger.
type headlessNotifier struct {
	log pslog.Logger
}

func (n headlessNotifier) Notify(_ context.Context, title, body string) error {
	n.log.Info("script notification", "title", title, "body", body)
	return nil
}

// headlessSession keeps badge and user variables in memory.
type headlessSession struct {
	log pslog.Logger

	mu        sync.Mutex
	badge     string
	variables map[string]string
}

func newHeadlessSession(log pslog.Logger) *headlessSession {
	return &headlessSession{log: log, variables: make(map[string]string)}
}

func (s *headlessSession) SetBadge(text string) {
	s.mu.Lock()
	s.badge = text
	s.mu.Unlock()
	s.log.Info("session badge set", "badge", text)
}

func (s *headlessSession) SetVariable(name, value string) {
	s.mu.Lock()
	s.variables[name] = value
	s.mu.Unlock()
	s.log.Info("session variable set", "name", name, "value", value)
}

func (s *headlessSession) Badge() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.badge
}

func (s *headlessSession) Variable(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.variables[name]
	return value, ok
}

// headlessConfig records applied runtime config changes.
type headlessConfig struct {
	log pslog.Logger

	mu     sync.Mutex
	values map[string]any
}

func newHeadlessConfig(log pslog.Logger) *headlessConfig {
	return &headlessConfig{log: log, values: make(map[string]any)}
}

func (c *headlessConfig) ApplyConfig(key string, value any) error {
	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()
	c.log.Info("config change applied", "key", key, "value", value)
	return nil
}

func (c *headlessConfig) Value(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.values[key]
	return value, ok
}
