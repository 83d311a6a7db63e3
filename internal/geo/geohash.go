package geo

const geohashAlphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

// 文档注释：标准 geohash 编码
// 背景：反向地理编码网格里相邻采样点常吸附到同一门牌，按坐标 geohash 去重；9 位约 5m。
// 约束：偶数位二分经度、奇数位二分纬度；precision<=0 时取 7 位。
func Geohash(lat, lng float64, precision int) string {
	if precision <= 0 {
		precision = 7
	}
	ranges := [2][2]float64{{-180, 180}, {-90, 90}}
	vals := [2]float64{lng, lat}
	out := make([]byte, precision)
	for i := range out {
		idx := 0
		for b := 0; b < 5; b++ {
			axis := (i*5 + b) % 2
			r := &ranges[axis]
			mid := (r[0] + r[1]) / 2
			idx <<= 1
			if vals[axis] >= mid {
				idx |= 1
				r[0] = mid
			} else {
				r[1] = mid
			}
		}
		out[i] = geohashAlphabet[idx]
	}
	return string(out)
}
