package saga

import (
	"context"

	"github.com/hashicorp/errwrap"
	"github.com/sirupsen/logrus"

	"github.com/casualjim/sago/message"
)

// Channel adapts the registry to the message.Channel contract, so a
// relay can hand replies straight to it. Expected orchestration errors —
// replies that legitimately have nowhere to go — are logged and dropped;
// anything else is wrapped in ErrEventConsumption and handed back so the
// transport can retry or dead-letter the message.
func Channel(name string, registry *Registry, log logrus.FieldLogger) message.Channel {
	if log == nil {
		log = logrus.New().WithFields(nil)
	}
	return &registryChannel{name: name, registry: registry, log: log}
}

type registryChannel struct {
	name     string
	registry *Registry
	log      logrus.FieldLogger
}

func (c *registryChannel) Name() string { return c.name }

func (c *registryChannel) Send(ctx context.Context, msg message.Message) error {
	err := c.registry.ConsumeEvent(ctx, message.WithOrigin{Message: msg, Origin: c.name})
	if err == nil {
		return nil
	}

	fields := logrus.Fields{"channel": c.name, "message": msg.ID, "saga": msg.SagaID}
	if IsExpected(err) {
		c.log.WithFields(fields).Infof("dropping reply with nowhere to go: %v", err)
		return nil
	}
	c.log.WithFields(fields).Errorf("consuming reply failed: %v", err)
	return errwrap.Wrapf("channel "+c.name+": "+err.Error()+": {{err}}", ErrEventConsumption)
}
