package config

import "fmt"

// Availability payloads on the status topic
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

func (c *Configuration) topic(suffix string) string {
	return fmt.Sprintf("%v/%v", c.TopicPrefix, suffix)
}

func (c *Configuration) StateTopic() string {
	return c.topic("state")
}

func (c *Configuration) ErrorTopic() string {
	return c.topic("error")
}

func (c *Configuration) StatusTopic() string {
	return c.topic("status")
}

func (c *Configuration) BrightnessCommandTopic() string {
	return c.topic("cmd/brightness")
}

func (c *Configuration) DisplayCommandTopic() string {
	return c.topic("cmd/display")
}

func (c *Configuration) UpdateCommandTopic() string {
	return c.topic("cmd/update")
}

func (c *Configuration) VersionCommandTopic() string {
	return c.topic("cmd/version")
}

// CommandTopics lists every topic the agent subscribes to.
func (c *Configuration) CommandTopics() []string {
	return []string{
		c.BrightnessCommandTopic(),
		c.DisplayCommandTopic(),
		c.UpdateCommandTopic(),
		c.VersionCommandTopic(),
	}
}
