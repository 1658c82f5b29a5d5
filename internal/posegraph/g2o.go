package posegraph

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// DumpG2O writes graph in the canonical g2o ASCII format
// (VERTEX_SE3:QUAT / EDGE_SE3:QUAT), matching the original node's
// SetSaveG2OFile/SetG2OFileName dump (§4.E "Supplemented features").
func DumpG2O(path string, g *Graph) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "posegraph: create g2o file %q", path)
	}
	defer f.Close()

	for i, v := range g.vertices {
		t, q := v.Translation, v.Rotation
		if _, err := fmt.Fprintf(f, "VERTEX_SE3:QUAT %d %f %f %f %f %f %f %f\n",
			i, t.X, t.Y, t.Z, q.Imag, q.Jmag, q.Kmag, q.Real); err != nil {
			return errors.Wrap(err, "posegraph: write g2o vertex")
		}
	}
	for _, e := range g.odometry {
		t, q := e.measurement.Translation, e.measurement.Rotation
		info := g2oInformation6(g.vertexCovariance[e.to])
		if _, err := fmt.Fprintf(f, "EDGE_SE3:QUAT %d %d %f %f %f %f %f %f %f %s\n",
			e.from, e.to, t.X, t.Y, t.Z, q.Imag, q.Jmag, q.Kmag, q.Real, info); err != nil {
			return errors.Wrap(err, "posegraph: write g2o odometry edge")
		}
	}
	return nil
}

// g2oInformation6 builds the upper-triangular 21-value diagonal
// information matrix for an SE3 edge from a vertex's mapping
// covariance. The internal covariance convention is rotation-first
// (rX,rY,rZ,X,Y,Z) but g2o's EDGE_SE3:QUAT convention is
// translation-first (x,y,z,qx,qy,qz), so the weights are reordered
// before being laid out.
func g2oInformation6(cov *mat.Dense) string {
	w := slamInformation(cov)
	diag := [6]float64{w[3], w[4], w[5], w[0], w[1], w[2]}
	rows := make([]string, 0, 21)
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			v := 0.0
			if i == j {
				v = diag[i]
			}
			rows = append(rows, fmt.Sprintf("%g", v))
		}
	}
	return strings.Join(rows, " ")
}
