package concurrency

import "strings"

// QueuesWithWorkKey is the set of tenant backlog keys that may hold work.
const QueuesWithWorkKey = "concurrency-limit-queues"

const (
	tenantActivePrefix = "concurrency-limiter:"
	crawlActivePrefix  = "crawl-concurrency-limiter:"
	queuePrefix        = "concurrency-limit-queue:"
	payloadPrefix      = "cq-job:"
)

func tenantActiveKey(tenant string) string { return tenantActivePrefix + tenant }

func crawlActiveKey(crawlID string) string { return crawlActivePrefix + crawlID }

func queueKey(tenant string) string { return queuePrefix + tenant }

func payloadKey(jobID string) string { return payloadPrefix + jobID }

func tenantFromQueueKey(key string) (string, bool) {
	tenant, ok := strings.CutPrefix(key, queuePrefix)
	return tenant, ok && tenant != ""
}
