package reactor

import (
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/AreaLayer/nakamoto/common"
)

// peerTableRow is the subset of PeerSocket state dumpPeerTable renders
// for diagnostics.
type peerTableRow struct {
	Addr string
	Link string
}

// dumpPeerTable renders the reactor's currently connected peers as an
// ASCII table, in the style of the teacher's CLI account/peer listings.
func dumpPeerTable(w io.Writer, peers map[common.Address]*PeerSocket) {
	rows := make([]peerTableRow, 0, len(peers))
	for addr, sock := range peers {
		rows = append(rows, peerTableRow{Addr: addr.String(), Link: sock.Link().String()})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Address", "Link"})
	for _, r := range rows {
		table.Append([]string{r.Addr, r.Link})
	}
	table.Render()
}
