// Package crawler holds the domain types shared by every scrapegate
// component (jobs, crawls, documents, webhook events) and the interfaces
// that let storage, fetch engines and publishers be swapped.
package crawler
