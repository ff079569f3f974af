package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const defaultPageSize = 10

// pageParams reads ?page and ?per_page with the API's defaults.
func pageParams(r *http.Request) (page, perPage int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ = strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage < 1 {
		perPage = defaultPageSize
	}
	if perPage > 100 {
		perPage = 100
	}
	return page, perPage
}

// paginate slices one page out of items and sets the Link and total-count
// headers. The Link header carries first, previous, self, next and last
// rels, omitting previous/next at the edges.
func paginate[T any](w http.ResponseWriter, r *http.Request, items []T, page, perPage int) []T {
	total := len(items)
	lastPage := (total + perPage - 1) / perPage
	if lastPage < 1 {
		lastPage = 1
	}

	link := func(p int, rel string) string {
		q := url.Values{}
		for k, vs := range r.URL.Query() {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		q.Set("page", strconv.Itoa(p))
		q.Set("per_page", strconv.Itoa(perPage))
		return fmt.Sprintf("<%s?%s>; rel=%q", r.URL.Path, q.Encode(), rel)
	}

	rels := []string{link(1, "first"), link(page, "self"), link(lastPage, "last")}
	if page > 1 {
		rels = append(rels, link(page-1, "previous"))
	}
	if page < lastPage {
		rels = append(rels, link(page+1, "next"))
	}

	w.Header().Set("Link", strings.Join(rels, ", "))
	w.Header().Set("Total-Count", strconv.Itoa(total))

	start := (page - 1) * perPage
	if start >= total {
		return []T{}
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return items[start:end]
}
