// Package scroll walks cursor-paginated API collections until exhaustion.
//
// Every page response carries its items in "data" and, while more remain, a
// "pagination.next" URL. The query part of that URL is sent verbatim as the
// next request's query, so pages are strictly sequential: page N+1 is only
// requested once page N has arrived.
//
// Example usage:
//
//	coord := scroll.New(apiClient, scroll.DefaultConfig())
//	result, err := coord.Scroll(ctx, "/api/user/v1beta0/os/", signer.Params{"family": "ubuntu"})
//	// result.Items holds every page's items in server order
//
// A scroll is atomic: either every page is merged into the Result, or the
// first failing page's error is returned and nothing else.
//
// The coordinator has no built-in page cap. An endless cursor chain is the
// server's fault; callers that want a guard set Config.MaxPages, which fails
// with ErrPageLimit instead of silently truncating.
package scroll
