package models

// NotAvailable replaces any movie field the database does not provide.
const NotAvailable = "N/A"

// Candidate is one entry of a title search.
type Candidate struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Year  string `json:"year"`
}

// Detail holds the displayable metadata of a movie.
type Detail struct {
	ID     int64  `json:"id"`
	Title  string `json:"title"`
	Year   string `json:"year"`
	Genres string `json:"genres"`
	Plot   string `json:"plot"`
	Rating string `json:"rating"`
}

// CommentGroup holds every review text written by one author.
type CommentGroup struct {
	Author   string   `json:"author"`
	Comments []string `json:"comments"`
}

// Comments groups reviews by author in order of first appearance.
type Comments []CommentGroup

// Add appends a comment under author, creating the group if needed.
func (c Comments) Add(author, comment string) Comments {
	for i := range c {
		if c[i].Author == author {
			c[i].Comments = append(c[i].Comments, comment)
			return c
		}
	}
	return append(c, CommentGroup{Author: author, Comments: []string{comment}})
}

// ByAuthor returns the map view of the groups.
func (c Comments) ByAuthor() map[string][]string {
	out := make(map[string][]string, len(c))
	for _, g := range c {
		out[g.Author] = append([]string(nil), g.Comments...)
	}
	return out
}

// Count returns the total number of comments.
func (c Comments) Count() int {
	n := 0
	for _, g := range c {
		n += len(g.Comments)
	}
	return n
}

// Analysis is the outcome of the analyze action.
type Analysis struct {
	Session    *Session `json:"session"`
	Detail     Detail   `json:"detail"`
	Comments   Comments `json:"comments"`
	ReportPath string   `json:"report_path"`
	Warning    string   `json:"warning,omitempty"`
}
