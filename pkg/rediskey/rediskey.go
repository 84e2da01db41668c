package rediskey

import "fmt"

// Key prefixes shared by every ticketteller process on the same redis.
const (
	AppPrefix       = "ticketteller"
	SchedulerPrefix = AppPrefix + ":scheduler"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// RefreshLeader returns "ticketteller:scheduler:refresh:leader".
func RefreshLeader() string {
	return NamespaceKey(SchedulerPrefix, "refresh:leader")
}
